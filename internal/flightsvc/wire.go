// Package flightsvc serves SQL queries and shuffle exchange over a
// columnar RPC protocol — Arrow Flight gRPC, via
// github.com/apache/arrow-go/v18/arrow/flight — and provides the client
// side used by the coordinator, partitioning engine, and shuffle writer
// to reach peer nodes.
//
// Grounded on spec.md §4.7. The registered-server lifecycle (one entry
// per (host,port), started/stopped under an explicit registry rather
// than package-global state) follows this module's singleton convention
// in internal/admission and internal/resilience; the generated
// FlightServiceServer and its gRPC transport come straight from
// arrow-go's flight package, already a direct dependency (grounded via
// the zhagnlu-milvus and malbeclabs-doublezero manifests in the examples
// pool, which pair Arrow with a columnar gRPC service the same way).
package flightsvc

import "encoding/json"

// ticketBody is the DoGet ticket payload: a single SQL statement.
type ticketBody struct {
	Query string `json:"query"`
}

// actionBody is the DoAction("query", body) payload.
type actionBody struct {
	Query string `json:"query"`
}

// exchangeCmd is the JSON embedded in a DoExchange FlightDescriptor.Cmd,
// per spec.md §6's shuffle-descriptor wire contract. The partition_id
// travels separately, as a decimal string in the descriptor's path.
type exchangeCmd struct {
	ShuffleID   string   `json:"shuffle_id"`
	JoinKeys    []string `json:"join_keys,omitempty"`
	TargetTable string   `json:"target_table,omitempty"`
}

const (
	actionQuery           = "query"
	actionRefreshCatalog  = "refresh_catalog"
	actionNameUnsupported = "INVALID_ARGUMENT: unknown action type"
)

func encodeTicket(query string) []byte {
	b, _ := json.Marshal(ticketBody{Query: query})
	return b
}

func decodeTicket(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errEmptyTicket
	}
	var t ticketBody
	if err := json.Unmarshal(raw, &t); err != nil || t.Query == "" {
		return "", errMalformedTicket
	}
	return t.Query, nil
}

func encodeAction(query string) []byte {
	b, _ := json.Marshal(actionBody{Query: query})
	return b
}

func decodeActionQuery(raw []byte) (string, error) {
	var a actionBody
	if err := json.Unmarshal(raw, &a); err != nil || a.Query == "" {
		return "", errMalformedAction
	}
	return a.Query, nil
}

func encodeExchangeCmd(shuffleID, targetTable string, joinKeys []string) []byte {
	b, _ := json.Marshal(exchangeCmd{ShuffleID: shuffleID, JoinKeys: joinKeys, TargetTable: targetTable})
	return b
}

func decodeExchangeCmd(raw []byte) (exchangeCmd, error) {
	var c exchangeCmd
	if err := json.Unmarshal(raw, &c); err != nil || c.ShuffleID == "" {
		return exchangeCmd{}, errMalformedExchangeCmd
	}
	return c, nil
}
