// Package server implements the WebSocket side of the chat relay.
//
// The Hub owns every live connection and processes their events one at a
// time: joining a room, chatting and disconnecting. Clients run one read pump
// and one write pump each and talk to the hub only through typed events. The
// remaining files hold configuration, origin checks, rate limiting, the wire
// protocol and the HTTP routing that performs the upgrade.
package server
