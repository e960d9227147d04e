// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultSentinel prefixes the single stdout line carrying the execution
// verdict back to the engine. Everything before it is user log output.
const ResultSentinel = "__FLOWMILL_RESULT__"

// DefaultWorkspaceDir is the container-side directory holding the input
// file, the user code and the harness.
const DefaultWorkspaceDir = "/workspace"

const workspaceToken = "@WORKSPACE@"

// Harness describes how one language runs inside a sandbox: which files
// to materialize and what to exec. The user code is written verbatim to
// CodePath; the wrapper in Source reads it, so no escaping ever touches
// user-authored text.
type Harness struct {
	Dir         string
	InputPath   string
	CodePath    string
	HarnessPath string
	Source      string
	Command     []string
}

// HarnessFor returns the execution convention for a language, rooted at
// workspaceDir ("" means DefaultWorkspaceDir).
func HarnessFor(language, workspaceDir string) (Harness, error) {
	dir := strings.TrimRight(workspaceDir, "/")
	if dir == "" {
		dir = DefaultWorkspaceDir
	}
	switch language {
	case LanguagePython:
		return Harness{
			Dir:         dir,
			InputPath:   dir + "/input.json",
			CodePath:    dir + "/step_code.py",
			HarnessPath: dir + "/harness.py",
			Source:      strings.ReplaceAll(pythonHarness, workspaceToken, dir),
			Command:     []string{"python", dir + "/harness.py"},
		}, nil
	case LanguageJavaScript:
		return Harness{
			Dir:         dir,
			InputPath:   dir + "/input.json",
			CodePath:    dir + "/step_code.js",
			HarnessPath: dir + "/harness.js",
			Source:      strings.ReplaceAll(javascriptHarness, workspaceToken, dir),
			Command:     []string{"node", dir + "/harness.js"},
		}, nil
	default:
		return Harness{}, execErrorf(FailurePolicy, nil, "no harness for language %q", language)
	}
}

// ParseOutput splits captured stdout/stderr into logs, errors and the
// sentinel verdict. ok reports whether a sentinel line was found; when
// it is false callers classify by exit code alone.
func ParseOutput(stdout, stderr string) (result any, logs []string, errs []string, ok bool) {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		payload, found := strings.CutPrefix(line, ResultSentinel)
		if !found {
			logs = append(logs, line)
			continue
		}
		var verdict struct {
			Result any     `json:"result"`
			Error  *string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &verdict); err != nil {
			errs = append(errs, fmt.Sprintf("unparseable result line: %v", err))
			continue
		}
		ok = true
		result = verdict.Result
		if verdict.Error != nil {
			errs = append(errs, *verdict.Error)
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			errs = append(errs, line)
		}
	}
	return result, logs, errs, ok
}

// The harnesses run user code against a fixed scope: input_data,
// variables, run_id, step_id. Code reports back either by assigning to
// `result` or by defining a `main()` whose return value wins.

const pythonHarness = `import json
import sys
import traceback

SENTINEL = "__FLOWMILL_RESULT__"

with open("@WORKSPACE@/input.json") as f:
    ctx = json.load(f)

scope = {
    "input_data": ctx.get("input_data"),
    "variables": ctx.get("variables") or {},
    "run_id": ctx.get("run_id"),
    "step_id": ctx.get("step_id"),
    "result": None,
}

with open("@WORKSPACE@/step_code.py") as f:
    code = f.read()

try:
    exec(compile(code, "step_code.py", "exec"), scope)
    result = scope.get("result")
    if result is None and callable(scope.get("main")):
        result = scope["main"]()
    sys.stdout.flush()
    print(SENTINEL + json.dumps({"result": result}, default=str))
except Exception as exc:
    traceback.print_exc()
    sys.stdout.flush()
    print(SENTINEL + json.dumps({"error": "%s: %s" % (type(exc).__name__, exc)}))
    sys.exit(1)
`

const javascriptHarness = `const fs = require("fs");

const SENTINEL = "__FLOWMILL_RESULT__";

const ctx = JSON.parse(fs.readFileSync("@WORKSPACE@/input.json", "utf8"));
const code = fs.readFileSync("@WORKSPACE@/step_code.js", "utf8");

const wrapped = new Function(
  "input_data",
  "variables",
  "run_id",
  "step_id",
  code + "\n;if (typeof main === 'function') { return main(); } return typeof result === 'undefined' ? null : result;"
);

Promise.resolve()
  .then(() => wrapped(ctx.input_data ?? null, ctx.variables ?? {}, ctx.run_id, ctx.step_id))
  .then((result) => {
    console.log(SENTINEL + JSON.stringify({ result: result === undefined ? null : result }));
  })
  .catch((err) => {
    console.error(err && err.stack ? err.stack : String(err));
    console.log(SENTINEL + JSON.stringify({ error: String(err) }));
    process.exit(1);
  });
`
