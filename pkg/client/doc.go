// Package client is the Go SDK for the medledger HTTP API.
//
// Record an event and read the chain back:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rc, err := c.RecordEvent(ctx, ledger.Event{
//	    EventID:  "evt-0192",
//	    Kind:     ledger.KindPrescription,
//	    RecordID: "rx-77",
//	    Action:   ledger.ActionCreate,
//	    Payload:  ledger.Payload{"medicationCode": "RX-1", "refills": 2},
//	})
//
// Duplicates are not errors: resubmitting an event_id returns the original
// receipt with Duplicate set.
//
// # Verification
//
// Verify never fails because the chain is corrupted. It fails only when the
// request itself does; check Report.Valid and Report.Complete:
//
//	res, err := c.Verify(ctx, client.VerifyRequest{Timeout: time.Minute})
//	if err == nil && !res.Report.Passed() {
//	    // corrupted, or cut short
//	}
//
// # Admin operations
//
// Setting a checkpoint needs an admin token. AdminToken exchanges the admin
// secret for one and keeps it on the client:
//
//	if _, _, err := c.AdminToken(ctx, secret, "ops@ward3"); err != nil {
//	    log.Fatal(err)
//	}
//	cp, err := c.SetCheckpoint(ctx, 1200)
//
// A 503 while the service is still loading its chain is reported as an
// *APIError; IsNotReady identifies it.
package client
