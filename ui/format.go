package ui

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"silentnet/crypto"
	"silentnet/discovery"
	"silentnet/history"
	"silentnet/node"
	"silentnet/peers"
	"silentnet/storage"
)

const clockLayout = "15:04:05"

// PrintPeers renders the peer directory as a table.
func (c *Console) PrintPeers(records []peers.Record) {
	if len(records) == 0 {
		c.printf("No peers. Use 'connect' or 'scan'.\n")
		return
	}

	c.table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "PEER\tADDRESS\tSTATUS\tFINGERPRINT\tLAST SEEN")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				record.PeerID,
				record.Address,
				record.Status,
				shortFingerprint(record.Fingerprint),
				record.LastSeen.Local().Format(clockLayout),
			)
		}
	})
}

func (c *Console) printFound(found []discovery.Found) {
	if len(found) == 0 {
		c.printf("No nodes found.\n")
		return
	}
	c.table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ADDRESS\tPEER")
		for _, f := range found {
			fmt.Fprintf(w, "%s\t%s\n", f.Address, f.PeerID)
		}
	})
}

func (c *Console) printNearby(nodes []discovery.NearbyNode) {
	if len(nodes) == 0 {
		c.printf("No nodes announcing nearby.\n")
		return
	}
	c.table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "PEER\tADDRESS\tVERSION\tFINGERPRINT")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.UserID, n.Address(), n.Version, shortFingerprint(n.KeyHash))
		}
	})
}

func (c *Console) printStats(stats node.Stats) {
	c.table(func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "User ID:\t%s\n", stats.UserID)
		fmt.Fprintf(w, "Fingerprint:\t%s\n", crypto.FormatFingerprint(stats.Fingerprint))
		fmt.Fprintf(w, "Uptime:\t%s\n", stats.Uptime.Truncate(time.Second))
		fmt.Fprintf(w, "Messages:\t%d\n", stats.MessageCount)
		fmt.Fprintf(w, "In history:\t%d\n", stats.HistoryEntries)
		fmt.Fprintf(w, "Peers:\t%d known, %d online\n", stats.PeersKnown, stats.PeersOnline)
	})
}

func (c *Console) printEvents(events []storage.SecurityEvent) {
	if len(events) == 0 {
		c.printf("No security events.\n")
		return
	}
	c.table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tPEER\tDETAILS")
		for _, event := range events {
			peer := "-"
			if event.PeerID != nil {
				peer = *event.PeerID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				time.UnixMilli(event.Timestamp).Local().Format(time.DateTime),
				event.Severity,
				event.EventType,
				peer,
				event.Details,
			)
		}
	})
}

func (c *Console) table(render func(w *tabwriter.Writer)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	render(w)
	_ = w.Flush()
}

// formatEntry renders "[15:04:05] FROM -> TO: text" with markers for
// priority and auto-delete entries.
func formatEntry(local, peerID string, entry history.Entry) string {
	from, to := local, peerID
	if entry.Direction == history.DirectionReceived {
		from, to = peerID, local
	}

	var b strings.Builder
	if entry.Priority {
		b.WriteString("!! ")
	}
	fmt.Fprintf(&b, "[%s] %s -> %s: %s", entry.Timestamp.Local().Format(clockLayout), from, to, entry.Text)
	if entry.AutoDelete {
		b.WriteString(" (auto-delete)")
	}
	return b.String()
}

func shortFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return "-"
	}
	return crypto.FormatFingerprint(fingerprint)
}
