package protocol

// This package implements the serialising and framing of the messages that
// relay peers exchange.
//
// This protocol aims to be
//
// - easy to implement
// - safe to stream (many messages per connection lifetime)
// - be human readable
//
// - `Message` - A field map describing one command. It always contains
//               the reserved `_type` key naming the command to build on
//               the receiving side.
// - `Frame`   - The bytes of one encoded message, prefixed with its length.
// - `Codec`   - Turns a message into a frame payload and back.
//
// === Framing
//
// Every message is sent as a single frame
//
//   ```
//     <len: 4 bytes, big endian><payload: len bytes>
//   ```
//
// Reading "until the end of the stream" only works for one message per
// connection, so the length prefix is mandatory. Frames larger than the
// reader's maximum size are rejected, and since the stream can no longer be
// trusted that is treated as a transport failure.
//
// === Payload encoding
//
// The default payload is a single YAML document
//
//   ```
//     _type: relay.handshake
//     port: 5000
//   ```
//
// A JSON codec is also available, it produces a single JSON object
//
//   ```
//     {"_type":"relay.handshake","port":5000}
//   ```
//
// Both peers must be configured with the same codec, there is no negotiation.
//
// === Handshake
//
// Immediately after dialing, the client sends a `relay.handshake` message
// carrying its own listening port. The server records it on the connection so
// it can dial back later.
//
