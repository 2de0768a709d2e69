package main

import (
	"fmt"
	"os"

	jsruntime "github.com/flowlet/jsruntime"
)

// consoleExtension is a minimal console.log/info/warn/error/debug binding,
// grounded on the teacher's console.go __console op: a single Go-backed op
// takes a level and a pre-joined message string, and a small JS shim builds
// the user-facing console object around it. Unlike the teacher's version,
// there is no per-request log buffer to address here (cmd/runjs runs one
// script to completion, not one isolate serving many requests), so the op
// writes straight to stdout/stderr.
func consoleExtension() jsruntime.Extension {
	return jsruntime.Extension{
		Name: "console",
		Ops: []jsruntime.OpDecl{
			{
				Name: "console_write",
				Sync: func(state *jsruntime.OpState, args []byte) ([]byte, error) {
					level, message := splitLevelMessage(args)
					w := os.Stdout
					if level == "error" || level == "warn" {
						w = os.Stderr
					}
					fmt.Fprintln(w, message)
					return nil, nil
				},
			},
		},
		JsSources: map[string]string{
			"ext:console/console.js": consoleJS,
		},
		ESMEntryPoint: "ext:console/console.js",
	}
}

// levelSep separates the level prefix from the joined message in the raw
// bytes console.js sends to the console_write op (NUL: never legal inside
// the joined message since String() on any JS value replaces it).
const levelSep = 0

// splitLevelMessage undoes the level+NUL+message encoding console.js sends,
// avoiding a JSON round-trip for the common case of a single string.
func splitLevelMessage(args []byte) (level, message string) {
	raw := string(args)
	for i := 0; i < len(raw); i++ {
		if raw[i] == levelSep {
			return raw[:i], raw[i+1:]
		}
	}
	return "log", raw
}

const consoleJS = "" +
	"var levels = ['log', 'info', 'warn', 'error', 'debug'];\n" +
	"var con = {};\n" +
	"levels.forEach(function(lvl) {\n" +
	"	con[lvl] = function() {\n" +
	"		var parts = [];\n" +
	"		for (var i = 0; i < arguments.length; i++) {\n" +
	"			var arg = arguments[i];\n" +
	"			if (typeof arg === 'object' && arg !== null) {\n" +
	"				try {\n" +
	"					parts.push(JSON.stringify(arg));\n" +
	"				} catch (e) {\n" +
	"					parts.push(String(arg));\n" +
	"				}\n" +
	"			} else {\n" +
	"				parts.push(String(arg));\n" +
	"			}\n" +
	"		}\n" +
	"		globalThis.__jsruntime_dispatchSync('console_write', lvl + '\\u0000' + parts.join(' '));\n" +
	"	};\n" +
	"});\n" +
	"globalThis.console = con;\n"
