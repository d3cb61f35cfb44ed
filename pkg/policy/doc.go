// Package policy validates launch specifications with Open Policy Agent.
//
// Every policy is a Rego module that reports problems through a "deny" set.
// Members are strings or objects with "message", "field" and optional
// "severity" keys. Violations of error or critical severity reject the
// launch; lower severities are reported as warnings.
//
// # Input
//
// Policies see the launch request as input:
//
//	{
//	  "region": "us-west-2",
//	  "launchSpec": {"imageId": "ami-...", "instanceType": "m5.large", ...}
//	}
//
// and the engine configuration under data.ec2manager.config:
//
//	data.ec2manager.config.regions
//	data.ec2manager.config.allowedInstanceTypes
//
// # Built-in Policies
//
//   - image-id: AMI id format
//   - instance-type: format and optional allow-list
//   - block-devices: volume size bounds
//   - region: managed regions and zone/region agreement
//   - user-data: provider size limit
//   - security-groups: warns when no group is given
//
// # Custom Policies
//
// Additional .rego files, or JSON documents carrying a "rego" field, are
// loaded from directories with LoadPolicies. Watch reloads them when files
// change; a reload that fails to compile leaves the previous set active.
//
//	eng, err := policy.NewEngine(logger, policy.Options{Regions: regions})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/ec2-manager/policies"}); err != nil {
//	    return err
//	}
//	ok, err := eng.Check(ctx, spec, "us-west-2")
package policy
