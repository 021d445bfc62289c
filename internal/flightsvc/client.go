package flightsvc

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// Client is a columnar-RPC client shared by the coordinator, the
// partitioning engine, and the shuffle writer. It lazily dials and caches
// one gRPC connection per peer endpoint.
type Client struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	tlsFiles *struct {
		caFile   string
		certFile string
		keyFile  string
	}
}

// NewClient creates a Client. If ca/cert/key are all empty, connections
// are made over plaintext gRPC (matching an engine running without TLS,
// per spec.md §4.7's "TLS is optional").
func NewClient(caFile, certFile, keyFile string) *Client {
	c := &Client{conns: make(map[string]*grpc.ClientConn)}
	if caFile != "" || certFile != "" {
		c.tlsFiles = &struct {
			caFile   string
			certFile string
			keyFile  string
		}{caFile, certFile, keyFile}
	}
	return c
}

func targetFromEndpoint(endpoint string) string {
	t := strings.TrimPrefix(endpoint, "http://")
	t = strings.TrimPrefix(t, "https://")
	return t
}

func (c *Client) dial(endpoint string) (flight.FlightServiceClient, error) {
	target := targetFromEndpoint(endpoint)

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return flight.NewFlightServiceClient(conn), nil
	}

	var creds credentials.TransportCredentials
	if c.tlsFiles != nil {
		tlsCfg, err := LoadClientTLSConfig(c.tlsFiles.caFile, c.tlsFiles.certFile, c.tlsFiles.keyFile)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, swarmerr.Unavailable("flightsvc", "dial %s", target).WithCause(err)
	}
	c.conns[target] = conn
	return flight.NewFlightServiceClient(conn), nil
}

// DoGetQuery sends {"query": query} as a ticket and returns the peer's
// response as a single record. Most queries in this engine's dialect
// return one batch; if the peer streams more than one, only the last is
// kept and the rest are released, since in-memory engine results in this
// module are always single-batch (see internal/enginebridge/memengine).
// A backend that streams multi-batch results would need this changed to
// concatenate instead.
func (c *Client) DoGetQuery(ctx context.Context, endpoint, query string) (arrow.Record, error) {
	cl, err := c.dial(endpoint)
	if err != nil {
		return nil, err
	}
	stream, err := cl.DoGet(ctx, &flight.Ticket{Ticket: encodeTicket(query)})
	if err != nil {
		return nil, swarmerr.Unavailable("flightsvc", "DoGet to %s", endpoint).WithCause(err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, swarmerr.Internal("flightsvc", "decode DoGet stream from %s", endpoint).WithCause(err)
	}
	defer reader.Release()

	var last arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		if last != nil {
			last.Release()
		}
		last = rec
	}
	if reader.Err() != nil && reader.Err() != io.EOF {
		if last != nil {
			last.Release()
		}
		return nil, swarmerr.Internal("flightsvc", "read DoGet stream from %s", endpoint).WithCause(reader.Err())
	}
	if last == nil {
		return nil, swarmerr.Internal("flightsvc", "%s returned no batches for query", endpoint)
	}
	return last, nil
}

// DoActionQuery sends type="query" with the given SQL/DDL statement and
// waits for the {"status":"ok"} acknowledgement.
func (c *Client) DoActionQuery(ctx context.Context, endpoint, query string) error {
	return c.doAction(ctx, endpoint, actionQuery, encodeAction(query))
}

// RefreshCatalog sends type="refresh_catalog" to endpoint, triggering an
// immediate AdvertiseLocalTables there instead of waiting for its next
// scheduled tick.
func (c *Client) RefreshCatalog(ctx context.Context, endpoint string) error {
	return c.doAction(ctx, endpoint, actionRefreshCatalog, nil)
}

func (c *Client) doAction(ctx context.Context, endpoint, actionType string, body []byte) error {
	cl, err := c.dial(endpoint)
	if err != nil {
		return err
	}
	stream, err := cl.DoAction(ctx, &flight.Action{Type: actionType, Body: body})
	if err != nil {
		return swarmerr.Unavailable("flightsvc", "DoAction %s to %s", actionType, endpoint).WithCause(err)
	}
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return swarmerr.Unavailable("flightsvc", "DoAction %s to %s", actionType, endpoint).WithCause(err)
		}
	}
}

// SendExchange opens a DoExchange stream to endpoint, tags it with
// (shuffleID, partitionID) in the FlightDescriptor, streams batches in
// order, and closes the send side — satisfying internal/shuffle's
// ExchangeSender contract (spec.md §4.4's Writer/sender).
func (c *Client) SendExchange(ctx context.Context, endpoint, shuffleID string, partitionID int, targetTable string, joinKeys []string, batches []arrow.Record) error {
	cl, err := c.dial(endpoint)
	if err != nil {
		return err
	}
	stream, err := cl.DoExchange(ctx)
	if err != nil {
		return swarmerr.Unavailable("flightsvc", "open DoExchange to %s", endpoint).WithCause(err)
	}

	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  encodeExchangeCmd(shuffleID, targetTable, joinKeys),
		Path: []string{strconv.Itoa(partitionID)},
	}

	if len(batches) == 0 {
		return finishExchange(stream)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(batches[0].Schema()))
	w.SetFlightDescriptor(desc)
	for _, rec := range batches {
		if err := w.Write(rec); err != nil {
			w.Close()
			return swarmerr.Unavailable("flightsvc", "send partition %d of shuffle %s to %s", partitionID, shuffleID, endpoint).WithCause(err)
		}
	}
	if err := w.Close(); err != nil {
		return swarmerr.Unavailable("flightsvc", "close exchange stream to %s", endpoint).WithCause(err)
	}
	return finishExchange(stream)
}

func finishExchange(stream flight.FlightService_DoExchangeClient) error {
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close closes every cached peer connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return nil
}
