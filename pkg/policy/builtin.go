package policy

// DataRoot is the path under "data" where engine configuration is exposed
// to policies (e.g. data.ec2manager.config.regions).
const DataRoot = "ec2manager"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		imageIDPolicy(),
		instanceTypePolicy(),
		blockDevicePolicy(),
		regionPolicy(),
		userDataPolicy(),
		securityGroupPolicy(),
	}
}

// imageIDPolicy requires a well-formed machine image id.
func imageIDPolicy() Policy {
	return Policy{
		Name:        "image-id",
		Description: "Launch specifications must reference an AMI id (ami-<hex>)",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.image

import rego.v1

deny contains violation if {
	not regex.match("^ami-[0-9a-f]{8,17}$", object.get(input.launchSpec, "imageId", ""))
	violation := {
		"message": sprintf("image id '%s' is not a valid AMI id", [object.get(input.launchSpec, "imageId", "")]),
		"field": "imageId",
	}
}
`,
	}
}

// instanceTypePolicy requires an instance type and, when configured,
// restricts it to an allow-list.
func instanceTypePolicy() Policy {
	return Policy{
		Name:        "instance-type",
		Description: "Instance types must be well formed and allowed by configuration",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.instancetype

import rego.v1

instance_type := object.get(input.launchSpec, "instanceType", "")

deny contains violation if {
	not regex.match("^[a-z0-9-]+\\.[a-z0-9-]+$", instance_type)
	violation := {
		"message": sprintf("instance type '%s' is not valid", [instance_type]),
		"field": "instanceType",
	}
}

allowed if {
	some t in data.ec2manager.config.allowedInstanceTypes
	t == instance_type
}

deny contains violation if {
	count(data.ec2manager.config.allowedInstanceTypes) > 0
	not allowed
	violation := {
		"message": sprintf("instance type '%s' is not allowed", [instance_type]),
		"field": "instanceType",
	}
}
`,
	}
}

// blockDevicePolicy bounds EBS volume sizes.
func blockDevicePolicy() Policy {
	return Policy{
		Name:        "block-devices",
		Description: "Block device volumes must have a size between 1 and 16384 GiB",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.blockdevices

import rego.v1

deny contains violation if {
	some device in input.launchSpec.blockDeviceMappings
	device.volumeSize <= 0
	violation := {
		"message": sprintf("volume %s must have a positive size", [device.deviceName]),
		"field": "blockDeviceMappings",
	}
}

deny contains violation if {
	some device in input.launchSpec.blockDeviceMappings
	device.volumeSize > 16384
	violation := {
		"message": sprintf("volume %s exceeds 16384 GiB", [device.deviceName]),
		"field": "blockDeviceMappings",
	}
}
`,
	}
}

// regionPolicy only admits launches into configured regions.
func regionPolicy() Policy {
	return Policy{
		Name:        "region",
		Description: "Launches must target a managed region",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.region

import rego.v1

managed if {
	some r in data.ec2manager.config.regions
	r == input.region
}

deny contains violation if {
	count(data.ec2manager.config.regions) > 0
	not managed
	violation := {
		"message": sprintf("region '%s' is not managed", [input.region]),
		"field": "region",
	}
}

deny contains violation if {
	zone := object.get(input.launchSpec, "availabilityZone", "")
	zone != ""
	not startswith(zone, input.region)
	violation := {
		"message": sprintf("availability zone '%s' is not in region '%s'", [zone, input.region]),
		"field": "availabilityZone",
	}
}
`,
	}
}

// userDataPolicy enforces the provider's user data size limit.
func userDataPolicy() Policy {
	return Policy{
		Name:        "user-data",
		Description: "Base64 user data must fit the 16 KiB provider limit",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.userdata

import rego.v1

deny contains violation if {
	count(input.launchSpec.userData) > 21848
	violation := {
		"message": "user data exceeds 16 KiB",
		"field": "userData",
	}
}
`,
	}
}

// securityGroupPolicy warns about launches without any security group.
func securityGroupPolicy() Policy {
	return Policy{
		Name:        "security-groups",
		Description: "Launches should name at least one security group",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ec2manager.policies.securitygroups

import rego.v1

deny contains violation if {
	count(object.get(input.launchSpec, "securityGroups", [])) == 0
	count(object.get(input.launchSpec, "securityGroupIds", [])) == 0
	violation := {
		"message": "no security group given, the VPC default group applies",
		"field": "securityGroups",
	}
}
`,
	}
}
