// # Call-session orchestration core for SFU-mediated video conferencing
//
// This package drives a mediasoup-style SFU from the client side: it holds the signaling
// connection, negotiates device capabilities against the server's router, creates the
// send and receive transports, and keeps a consistent view of participants, chat and
// join requests under concurrent server pushes. The media engine itself (codec
// negotiation, ICE/DTLS, RTP) is consumed through the interfaces in engine.go and is
// not reimplemented here.
package callcore
