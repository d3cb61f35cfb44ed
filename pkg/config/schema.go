package config

// configSchema constrains configuration documents before they are decoded.
// Every section is optional; defaults are applied after decoding.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	regions: [string, ...string]

	store?: {
		path?:            string & !=""
		maxOpenConns?:    int & >=0
		maxIdleConns?:    int & >=0
		connMaxLifetime?: #Duration
	}

	queue?: {
		transport?: "sqs" | "kafka"
		sqs?: {
			queueName?:   string
			endpoint?:    string
			waitTime?:    #Duration
			maxMessages?: int & >=0 & <=10
		}
		kafka?: {
			brokers?:         [...string]
			topic?:           string
			groupId?:         string
			deadLetterTopic?: string
			retryInterval?:   #Duration
		}
	}

	provider?: {
		endpoint?:      string
		badInputCodes?: [...string]
	}

	tags?: {
		owner?:         string
		prefix?:        string
		workerTypeTag?: string & !=""
	}

	policy?: {
		paths?:                [...string]
		allowedInstanceTypes?: [...string]
	}

	termination?: {
		maxParallel?: int & >=0
	}

	housekeeping?: {
		disabled?: bool
		interval?: #Duration
	}

	telemetry?: {
		environment?: string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
		}
		metrics?: {
			disabled?:      bool
			listenAddress?: string
			path?:          string
		}
		tracing?: {
			exporter?:     "otlp" | "stdout" | "none"
			endpoint?:     string
			samplingRate?: number & >=0 & <=1
			insecure?:     bool
		}
	}
}
`
