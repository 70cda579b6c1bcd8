package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/goiscsi/iscsid/internal/ipc"
	"github.com/goiscsi/iscsid/internal/iscsi"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// targetRow is one line of `iscsictl list` output.
type targetRow struct {
	IQN        string            `json:"iqn"`
	ConfigType string            `json:"config_type"`
	AuthMethod string            `json:"auth_method"`
	AutoLogin  bool              `json:"auto_login"`
	State      string            `json:"state"`
	Portals    []string          `json:"portals"`
	Properties map[string]string `json:"properties,omitempty"`
}

// formatTargets renders target rows in the requested format.
func formatTargets(rows []targetRow, format string) (string, error) {
	switch format {
	case formatJSON:
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		return string(out) + "\n", nil
	case formatTable:
		return formatTargetsTable(rows)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatTargetsTable renders rows with tabwriter.
func formatTargetsTable(rows []targetRow) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tTYPE\tAUTH\tAUTO\tSTATE\tPORTALS")

	for _, r := range rows {
		portals := strings.Join(r.Portals, ",")
		if portals == "" {
			portals = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			r.IQN, r.ConfigType, r.AuthMethod, r.AutoLogin, r.State, portals)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}

	out := buf.String()
	for _, r := range rows {
		if len(r.Properties) == 0 {
			continue
		}
		out += "\n" + r.IQN + ":\n" + formatProperties(r.Properties)
	}

	return out, nil
}

// formatProperties renders a parameter dictionary sorted by key.
func formatProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&buf, "  %s = %s\n", k, props[k])
	}

	return buf.String()
}

// formatDiscoveryRecord renders a discovery record.
func formatDiscoveryRecord(rec *iscsi.DiscoveryRecord, format string) (string, error) {
	switch format {
	case formatJSON:
		root := map[string]map[string][]string{}
		for _, iqn := range rec.Targets() {
			root[iqn] = map[string][]string{}
			for _, tpgt := range rec.PortalGroups(iqn) {
				for _, p := range rec.Portals(iqn, tpgt) {
					root[iqn][tpgt] = append(root[iqn][tpgt], p.String())
				}
			}
		}
		out, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		return string(out) + "\n", nil

	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tTPGT\tPORTAL")
		for _, iqn := range rec.Targets() {
			for _, tpgt := range rec.PortalGroups(iqn) {
				for _, p := range rec.Portals(iqn, tpgt) {
					fmt.Fprintf(w, "%s\t%s\t%s\n", iqn, tpgt, p.String())
				}
			}
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return buf.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// sessionState asks the daemon whether the target is active.
func sessionState(client *ipc.Client, iqn string) string {
	active, err := client.IsTargetActive(iscsi.Target{IQN: iqn})
	switch {
	case err != nil:
		return "unknown"
	case active:
		return "active"
	default:
		return "inactive"
	}
}

// sessionProperties fetches the negotiated parameters for -v output.
func sessionProperties(client *ipc.Client, iqn string) map[string]string {
	props, err := client.SessionProperties(iscsi.Target{IQN: iqn})
	if err != nil {
		return nil
	}
	return props
}
