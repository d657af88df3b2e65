package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/medisafe/accessgrant/grant"
	"github.com/medisafe/accessgrant/ledger"
	"github.com/medisafe/accessgrant/requestlog"
)

const dateLayout = "2006-01-02 15:04"

// formatDate falls back on the backend's text when the date was not parsed.
func formatDate(t time.Time, text string) string {
	if t.IsZero() {
		if text != "" {
			return text
		}
		return "-"
	}
	return t.Local().Format(dateLayout)
}

// describeStatus is the text of the status column.
func describeStatus(ar requestlog.AccessRequest) string {
	switch ar.Status {
	case requestlog.Approved:
		return "Access given on " + formatDate(ar.DecidedAt, ar.DecidedAtText)
	case requestlog.Declined:
		return "Access declined on " + formatDate(ar.DecidedAt, ar.DecidedAtText)
	default:
		return "Pending: accept or decline"
	}
}

func renderRequests(w io.Writer, requests []requestlog.AccessRequest) {
	if len(requests) == 0 {
		fmt.Fprintln(w, "No access request.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tDATE\tDOCTOR\tNOTE\tREQUEST\tSTATUS")
	for _, ar := range requests {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ar.SerialNo, formatDate(ar.RequestedAt, ar.RequestedAtText),
			ar.RequesterName, ar.Note, ar.RequestID, describeStatus(ar))
	}
	tw.Flush()
}

func renderAttempts(w io.Writer, attempts []grant.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "No attempt recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tREQUEST\tDECISION\tSTATE\tREASON\tHASH\tTX\tMESSAGE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", formatDate(a.StartedAt, ""), a.RequestID,
			a.Decision, a.State, a.Reason, a.Hash, hex.EncodeToString(a.TxHash), a.Message)
	}
	tw.Flush()
}

func renderAnchors(w io.Writer, hl *ledger.AccessHashLog) {
	if len(hl.Entries) == 0 {
		fmt.Fprintln(w, "No hash anchored.")
		return
	}
	for i, e := range hl.Entries {
		fmt.Fprintf(w, "%d\t%s\t%d bytes of note\n", i+1, e.Hash, len(e.Note))
	}
}
