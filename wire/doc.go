// Package wire defines the JSON message protocol between the hub and its
// socket clients: the frames a client may send (subscribe, unsubscribe,
// ping, reconnect) and the frames the hub replies with (connected,
// subscribed, unsubscribed, message, pong, reconnected, error).
//
// Parsing is tolerant of unknown fields but strict about the ones that
// matter; a frame that cannot be understood is answered with an error frame
// carrying CodeInvalidFormat, never by closing the connection.
package wire
