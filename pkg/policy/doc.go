// Package policy admits or denies composed runs with Open Policy Agent.
//
// Every policy is a Rego module defining a `deny` set. The engine feeds it
// the admission input built by the runtime composer:
//
//	{
//	  "project": "...", "runtime": "container", "task": "container+job",
//	  "kind": "job", "framework": "local", "spec": {...},
//	  "runnable": {"id": "...", "image": "...", "envs": {...}, ...}
//	}
//
// Members of `deny` may be strings or objects with a `message` and an
// optional `severity`. Error and critical findings deny the run; info and
// warning findings are reported on the Result and logged.
//
//	eng, err := policy.NewEngine(logger)
//	...
//	err = eng.Admit(ctx, input) // POLICY_DENIED configuration error
//
// Built-in policies: project-naming, plaintext-secrets, image-pinning and
// resource-requests. Custom policies are loaded from .rego, .json and
// .yaml files; Engine.Watch keeps them in sync with the filesystem.
package policy
