package flightsvc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/swarmsql/swarmsql/internal/catalog"
	"github.com/swarmsql/swarmsql/internal/enginebridge"
	"github.com/swarmsql/swarmsql/internal/shuffle"
)

// TableLister is the narrow view onto the local engine ListFlights and
// GetFlightInfo need: the set of locally hosted table names.
type TableLister interface {
	ListLocalTables(ctx context.Context) ([]string, error)
}

// Service implements flight.FlightServiceServer: Handshake, ListFlights,
// GetFlightInfo, GetSchema, DoGet, DoAction("query"/"refresh_catalog"),
// and the DoExchange shuffle-receiver path. DoPut is intentionally
// unsupported, per spec.md §4.7 — clients use DoAction("query", ...) or
// DoGet instead.
type Service struct {
	flight.BaseFlightServer

	engine   enginebridge.Engine
	tables   TableLister
	shuffle  *shuffle.Registry
	catalog  *catalog.Catalog
	selfAddr string // "host:port" returned by Handshake
}

// New creates a Service backed by engine for query execution, tables for
// table enumeration, shuffleRegistry for DoExchange receives, and
// cat (may be nil if this node never advertises tables) for the
// refresh_catalog action.
func New(engine enginebridge.Engine, tables TableLister, shuffleRegistry *shuffle.Registry, cat *catalog.Catalog, selfAddr string) *Service {
	return &Service{engine: engine, tables: tables, shuffle: shuffleRegistry, catalog: cat, selfAddr: selfAddr}
}

var _ flight.FlightServiceServer = (*Service)(nil)

// Handshake returns this node's own host:port, ignoring any
// authentication payload — the engine relies on transport-level TLS
// client auth (§4.7), not the Flight handshake exchange, for identity.
func (s *Service) Handshake(stream flight.FlightService_HandshakeServer) error {
	_, err := stream.Recv()
	if err != nil {
		return err
	}
	return stream.Send(&flight.HandshakeResponse{Payload: []byte(s.selfAddr)})
}

// ListFlights emits one FlightInfo per locally hosted table, with a
// ticket that selects the whole table.
func (s *Service) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	ctx := stream.Context()
	names, err := s.tables.ListLocalTables(ctx)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	for _, name := range names {
		info, err := s.flightInfoForQuery(ctx, fmt.Sprintf("SELECT * FROM %s", name), &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{name},
		})
		if err != nil {
			continue
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// GetFlightInfo resolves descriptor (a table path, or a JSON-wrapped
// {"query":...} command) into schema + ticket.
func (s *Service) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	query, err := queryFromDescriptor(desc)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	info, err := s.flightInfoForQuery(ctx, query, desc)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return info, nil
}

// GetSchema computes a descriptor's schema by running its query in full
// and returning the result's schema (see probeSchema).
func (s *Service) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	query, err := queryFromDescriptor(desc)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	schemaBytes, err := s.probeSchema(ctx, query)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &flight.SchemaResult{Schema: schemaBytes}, nil
}

// DoGet parses the ticket's {"query":...} payload and streams the result
// as one or more Arrow record batches.
func (s *Service) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	query, err := decodeTicket(tkt.GetTicket())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	conn, err := s.engine.OpenInMemoryConnection(stream.Context())
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer conn.Close()

	rec, err := conn.QueryArrow(stream.Context(), query)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer w.Close()
	return w.Write(rec)
}

// DoPut is unsupported; clients use DoAction("query", ...) or DoGet.
func (s *Service) DoPut(flight.FlightService_DoPutServer) error {
	return status.Error(codes.InvalidArgument, errDoPutUnsupported.Error())
}

// DoAction executes type="query" (DDL/DML over the engine) or
// type="refresh_catalog" (re-advertise local tables immediately).
func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := stream.Context()

	switch action.Type {
	case actionQuery:
		query, err := decodeActionQuery(action.GetBody())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		conn, err := s.engine.OpenInMemoryConnection(ctx)
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		defer conn.Close()
		if err := conn.ExecuteBatch(ctx, query); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(&flight.Result{Body: []byte(`{"status":"ok"}`)})

	case actionRefreshCatalog:
		if s.catalog == nil {
			return status.Error(codes.InvalidArgument, "no catalog configured for refresh_catalog")
		}
		if _, err := s.catalog.AdvertiseLocalTables(ctx); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(&flight.Result{Body: []byte(`{"status":"ok"}`)})

	default:
		return status.Error(codes.InvalidArgument, errUnsupportedAction.Error())
	}
}

// DoExchange is the shuffle receiver path (spec.md §4.4). It parses the
// incoming descriptor from the first message, decodes each subsequent
// FlightData as an Arrow record batch tagged with a partition id, and
// either appends batches directly to target_table (used by
// partition_table/repartition_table) or forwards them into the shuffle
// registry for the owning query to pick up.
func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "DoExchange requires a FlightDescriptor on the first message")
	}
	cmd, err := decodeExchangeCmd(desc.GetCmd())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	partitionID, err := partitionIDFromPath(desc.GetPath())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var appender enginebridge.Appender
	if cmd.TargetTable != "" {
		conn, err := s.engine.OpenInMemoryConnection(ctx)
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		defer conn.Close()
		appender, err = conn.Appender(ctx, cmd.TargetTable)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		defer appender.Close()
	}

	for reader.Next() {
		rec := reader.Record()
		if appender != nil {
			if err := appender.AppendRecord(rec); err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			continue
		}
		if s.shuffle == nil {
			return status.Error(codes.Internal, "no shuffle registry configured")
		}
		s.shuffle.SubmitPartition(cmd.ShuffleID, partitionID, rec)
	}
	if reader.Err() != nil {
		return status.Error(codes.Internal, reader.Err().Error())
	}
	return nil
}

func partitionIDFromPath(path []string) (int, error) {
	if len(path) == 0 {
		return 0, errMalformedDescriptor
	}
	id, err := strconv.Atoi(path[0])
	if err != nil {
		return 0, errMalformedDescriptor
	}
	return id, nil
}

func queryFromDescriptor(desc *flight.FlightDescriptor) (string, error) {
	switch desc.GetType() {
	case flight.DescriptorPATH:
		if len(desc.GetPath()) == 0 {
			return "", errMalformedDescriptor
		}
		return fmt.Sprintf("SELECT * FROM %s", desc.GetPath()[0]), nil
	case flight.DescriptorCMD:
		return decodeActionQuery(desc.GetCmd())
	default:
		return "", errMalformedDescriptor
	}
}

func (s *Service) flightInfoForQuery(ctx context.Context, query string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	schemaBytes, err := s.probeSchema(ctx, query)
	if err != nil {
		return nil, err
	}
	return &flight.FlightInfo{
		Schema:           schemaBytes,
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: encodeTicket(query)},
		}},
	}, nil
}

// probeSchema runs "SELECT * FROM (<query>) LIMIT 0" equivalent by
// executing query through the engine and reading back the resulting
// schema. The engine bridge has no native LIMIT 0 pushdown for arbitrary
// queries, so this runs the query once and discards the rows — acceptable
// for schema discovery, which callers don't run on the query hot path.
func (s *Service) probeSchema(ctx context.Context, query string) ([]byte, error) {
	conn, err := s.engine.OpenInMemoryConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rec, err := conn.QueryArrow(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	return flight.SerializeSchema(rec.Schema(), memory.DefaultAllocator)
}
