// Mercator Saturn is a stateful SIP Layer-7 proxy.
//
// It accepts SIP over TCP, associates each message with a transaction,
// routes by domain to upstream clusters with SIP-aware affinity (dialog
// messages land on the endpoint already handling the dialog), and streams
// responses back to the originator.
//
// Usage:
//
//	# Start with a configuration file
//	saturn run --config /etc/saturn/config.yaml
//
//	# Validate a configuration file
//	saturn validate --config /etc/saturn/config.yaml
//
//	# Show version information
//	saturn version
package main

func main() {
	Execute()
}
