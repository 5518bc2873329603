// Package api is the client-facing gRPC service of a region.
//
// The georepl.Client service sits next to georepl.Replication on the same
// server. Its unary methods are
//
//	Replicate  write a key under a consistency level
//	Get        read the local version of a key
//	Conflicts  list recorded conflicts
//	Resolve    settle a pending conflict by manual merge or by retry
//	Lag        report replication lag per peer region
//
// Requests and responses travel as google.protobuf.Struct, so the service
// needs no generated code and tools such as grpcurl can call it with plain
// JSON. Byte fields are base64 strings.
package api
