// Package config loads the ec2-manager configuration.
//
// # Overview
//
// Documents are written in CUE (or plain JSON, which is valid CUE) or YAML,
// chosen by file extension. Every document is checked against a built-in
// CUE schema first, so type errors are reported with file positions. The
// decoded Config then gets defaults applied and is validated with
// go-playground/validator struct tags plus transport-specific checks.
//
// # Example
//
//	regions: ["us-east-1", "us-west-2"]
//	store: path: "/var/lib/ec2-manager/state.db"
//	queue: {
//	    transport: "sqs"
//	    sqs: queueName: "ec2-manager-events"
//	}
//	provider: badInputCodes: ["InvalidParameterValue", "InvalidAMIID.Malformed"]
//	tags: {
//	    owner:  "ci-team"
//	    prefix: "ci-"
//	}
//	policy: paths: ["/etc/ec2-manager/policies"]
//	housekeeping: interval: "30m"
//
// A YAML document using the Kafka transport:
//
//	regions: [us-east-1, us-west-2]
//	queue:
//	  transport: kafka
//	  kafka:
//	    brokers: ["kafka-1:9092"]
//	    topic: ec2-state-changes
//	    deadLetterTopic: ec2-state-changes-dlq
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath("ec2-manager.cue"))
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
package config
