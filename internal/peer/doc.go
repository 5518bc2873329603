// Package peer is the region-to-region gRPC transport.
//
// The georepl.Replication service has two unary methods:
//
//	Push  carries one encoded codec.Envelope in a BytesValue
//	Ping  echoes the caller's send time and returns the receiver's clock
//
// Messages are well-known protobuf types, so the service descriptor is
// declared by hand and needs no generated code.
package peer
