// Package consistency decides how a write's fan-out is awaited.
//
// Every level sends the same data to the same target regions; levels differ
// in which propagations the caller waits for and in what bookkeeping they do
// around the write:
//
//	strong             await every region; any failure fails the write
//	eventual           fire-and-forget; failures are logged only
//	bounded-staleness  await regions whose current lag exceeds the bound
//	read-your-writes   eventual, plus a session to region affinity record
//	monotonic-reads    eventual
//	causal             merge dependency clocks into the write, then eventual
//
// Strategies are built once by NewSet and looked up by Level; the Dispatcher
// executes the resulting Plan through the fanout package.
package consistency
