// llmgate is an authenticating gateway for OpenAI-compatible inference
// backends with per-key and per-user cost quotas.
//
// Usage:
//
//	# Start the gateway with a configuration file
//	llmgate run --config /etc/llmgate/config.yaml
//
//	# Validate a configuration file without starting
//	llmgate run --config config.yaml --dry-run
//
//	# Show version information
//	llmgate version
package main

func main() {
	Execute()
}
