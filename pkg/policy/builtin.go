package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		projectNamingPolicy(),
		plaintextSecretsPolicy(),
		imagePinningPolicy(),
		resourceRequestsPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// projectNamingPolicy enforces project naming conventions.
func projectNamingPolicy() Policy {
	return builtin(Policy{
		Name:        "project-naming",
		Description: "Project names are lowercase letters, numbers and hyphens",
		Severity:    SeverityError,
		Tags:        []string{"naming", "conventions"},
		Rego: `package runplane.policies.naming

import rego.v1

deny contains violation if {
	not input.project
	violation := {"message": "run must belong to a project"}
}

deny contains violation if {
	name := input.project
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("project name '%s' must contain only lowercase letters, numbers and hyphens", [name]),
		"project": name,
	}
}
`,
	})
}

// plaintextSecretsPolicy rejects credentials passed as plain environment values.
func plaintextSecretsPolicy() Policy {
	return builtin(Policy{
		Name:        "plaintext-secrets",
		Description: "Credential-like environment variables must be provided through secrets",
		Severity:    SeverityError,
		Tags:        []string{"security", "secrets"},
		Rego: `package runplane.policies.secrets

import rego.v1

deny contains violation if {
	some name, value in input.runnable.envs
	regex.match("(?i)(password|passwd|secret|token|api_?key)", name)
	value != ""
	not startswith(value, "secret://")
	violation := {
		"message": sprintf("environment variable '%s' looks like a credential; reference a secret instead", [name]),
		"env": name,
	}
}
`,
	})
}

// imagePinningPolicy warns about images that float.
func imagePinningPolicy() Policy {
	return builtin(Policy{
		Name:        "image-pinning",
		Description: "Container images should be pinned to a tag or digest other than latest",
		Severity:    SeverityWarning,
		Tags:        []string{"reproducibility", "container"},
		Rego: `package runplane.policies.images

import rego.v1

deny contains violation if {
	image := input.runnable.image
	image != ""
	not contains(image, "@")
	parts := split(image, "/")
	not contains(parts[count(parts) - 1], ":")
	violation := {
		"message": sprintf("image '%s' has no tag", [image]),
		"image": image,
	}
}

deny contains violation if {
	image := input.runnable.image
	endswith(image, ":latest")
	violation := {
		"message": sprintf("image '%s' uses the latest tag", [image]),
		"image": image,
	}
}
`,
	})
}

// resourceRequestsPolicy warns about container runs with no resource settings.
func resourceRequestsPolicy() Policy {
	return builtin(Policy{
		Name:        "resource-requests",
		Description: "Container runs should declare resources",
		Severity:    SeverityWarning,
		Tags:        []string{"capacity", "container"},
		Rego: `package runplane.policies.resources

import rego.v1

deny contains violation if {
	input.runtime == "container"
	count(object.get(input.runnable, "resources", {})) == 0
	violation := {"message": "container run declares no resources"}
}
`,
	})
}
