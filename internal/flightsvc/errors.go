package flightsvc

import "github.com/swarmsql/swarmsql/pkg/swarmerr"

var (
	errEmptyTicket          = swarmerr.InvalidArgument("flightsvc", "empty ticket")
	errMalformedTicket      = swarmerr.InvalidArgument("flightsvc", "malformed ticket: expected {\"query\":...}")
	errMalformedAction      = swarmerr.InvalidArgument("flightsvc", "malformed action body: expected {\"query\":...}")
	errMalformedExchangeCmd = swarmerr.InvalidArgument("flightsvc", "malformed exchange descriptor: expected {\"shuffle_id\":...}")
	errMalformedDescriptor  = swarmerr.InvalidArgument("flightsvc", "malformed flight descriptor")
	errUnsupportedAction    = swarmerr.InvalidArgument("flightsvc", "unsupported action type")
	errDoPutUnsupported     = swarmerr.InvalidArgument("flightsvc", "DoPut is not supported; use DoAction(\"query\", ...) or DoGet")
)
