// Package fanout propagates one write to many target regions in parallel,
// one goroutine per region, each bounded by its own timeout. Await blocks
// until every region has answered; Launch returns immediately and reports
// results through a callback.
package fanout
