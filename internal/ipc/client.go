package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Submit sends one request or signal. A refusal comes back as *RemoteError
// together with whatever receipt fields the daemon filled in.
func (c *Client) Submit(env Envelope) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.client.Call(serviceName+".Submit", SubmitRequest{Envelope: env}, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorKind != "" {
		return &resp, &RemoteError{Kind: resp.ErrorKind, Message: resp.Error}
	}
	return &resp, nil
}

// Signal sends a signal built from the client fields of env and payload.
func (c *Client) Signal(env Envelope, payload SignalPayload) (*SubmitResponse, error) {
	env.Kind = "signal"
	env.Request = nil
	env.Signal = &payload
	var resp SubmitResponse
	if err := c.client.Call(serviceName+".Signal", SubmitRequest{Envelope: env}, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorKind != "" {
		return &resp, &RemoteError{Kind: resp.ErrorKind, Message: resp.Error}
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call(serviceName+".Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTunings returns active tunings, optionally for one client.
func (c *Client) ListTunings(client string) (*ListTuningsResponse, error) {
	var resp ListTuningsResponse
	if err := c.client.Call(serviceName+".ListTunings", ListTuningsRequest{Client: client}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListClients returns known clients.
func (c *Client) ListClients() (*ListClientsResponse, error) {
	var resp ListClientsResponse
	if err := c.client.Call(serviceName+".ListClients", ListClientsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestOutcome looks up the outcome of a request.
func (c *Client) RequestOutcome(requestID string) (*OutcomeResponse, error) {
	var resp OutcomeResponse
	if err := c.client.Call(serviceName+".RequestOutcome", OutcomeRequest{RequestID: requestID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
