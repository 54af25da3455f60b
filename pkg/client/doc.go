// Package client is the Go SDK for the ledgerd HTTP API.
//
// Read-only callers need no credentials:
//
//	c, err := client.New("http://localhost:8080")
//	rep, err := c.Verify(ctx, client.VerifyOptions{Exhaustive: true})
//	if !rep.Valid {
//	    log.Printf("ledger tampered: %s", rep.Summary())
//	}
//
// Services that record events present a token minted for their actor
// (see `ledgerctl token`):
//
//	c, _ := client.New(baseURL, client.WithBearerToken(token))
//	entry, err := c.AppendEntry(ctx, client.AppendRequest{
//	    SubjectType:    "DOCUMENT",
//	    SubjectID:      "42",
//	    Action:         "SHIPPED",
//	    Counterparties: []int64{7, 8},
//	})
//
// A rejected lifecycle transition comes back as an *APIError carrying the
// violation kind and any missing stages:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
//	    fmt.Println("missing:", apiErr.MissingStages)
//	}
package client
