// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"net"

	"github.com/kortschak/jsonrpc2"
)

// Client is a connection to a reel control server.
type Client struct {
	name string
	conn *jsonrpc2.Connection
}

// Dial returns a new client named name connected to the server on the
// provided network and address.
func Dial(ctx context.Context, network, addr, name string, dialer net.Dialer) (*Client, error) {
	conn, err := jsonrpc2.Dial(ctx, jsonrpc2.NetDialer(network, addr, dialer), jsonrpc2.ConnectionOptions{})
	if err != nil {
		return nil, err
	}
	return &Client{name: name, conn: conn}, nil
}

// Call invokes the method with the provided parameters wrapped in a
// Message and waits for the response, storing the response message body
// in result.
func Call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var resp Message[T]
	err := c.conn.Call(ctx, method, NewMessage(c.name, params)).Await(ctx, &resp)
	return resp.Body, err
}

// Close closes the client's connection.
// See [jsonrpc2.Connection.Close].
func (c *Client) Close() error {
	return c.conn.Close()
}
