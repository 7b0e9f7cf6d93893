// Package contracts defines the wire shapes exchanged with the host process.
//
// Two channels carry all traffic:
//   - ChannelUp (IPC_UP_2): requests sent to the host as [RequestEnvelope, [cmdName, ...args]]
//   - ChannelDown (IPC_DOWN_2): frames sent by the host as [head, body]
//
// A downward frame whose head carries a callbackId answers a request, and its body
// is the raw result. A frame whose body is a list of EventEntry values carries
// host events. The shapes are fixed by the host and must not change.
package contracts
