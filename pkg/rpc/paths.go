package rpc

// JSON-RPC methods and HTTP paths used against chain nodes and the era index.
// All names are consolidated here so a protocol bump touches a single file.

const (
	// Node JSON-RPC methods
	methodGetBlock       = "chain_get_block"
	methodGetAccountInfo = "state_get_account_info"
	methodQueryGlobal    = "query_global_state"

	// Node path when no proxy is configured: http://<addr>/rpc
	nodeRPCPath = "/rpc"

	// Proxy query parameter carrying the target node address
	proxyTargetParam = "target"

	// Era index service
	eraHeightsPath = "/eras"
)
