// Package file implements file transfer on top of the engine's transfer
// manager.
//
// # Outgoing Transfers
//
// Upload hands a file to the engine and reports progress once per
// ProgressPeriod:
//
//	id, err := mgr.Upload(ctx, file.File{Name: "notes.txt", Type: "text",
//	    Contents: data}, recipientID, func(p file.Progress) {
//	    fmt.Printf("%d/%d arrived\n", p.Arrived, p.Total)
//	})
//
// # Incoming Transfers
//
// HandleOffer records an offer announced by the engine and returns the
// Transfer for the incoming-transfers stream. The consumer later calls
// Download to follow the pull and Receive to read the payload once complete.
//
// # Progress
//
// Every transfer produces exactly one terminal Progress, either
// Completed=true or an error. Engine callbacks after the terminal one are
// dropped. Completed outgoing transfers are closed through CloseSend.
//
// # Transfer States
//
//	TransferStatePending    // offered, not downloading yet
//	TransferStateRunning    // progress callbacks are arriving
//	TransferStateCompleted  // terminal, Completed=true seen
//	TransferStateError      // terminal, the engine reported an error
//
// # Thread Safety
//
// Manager is safe for concurrent use. Progress callbacks run on engine
// threads; handlers must not block.
package file
