package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not
// supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func addrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addr",
		Short: "Resolve and format addresses",
	}

	cmd.AddCommand(addrParseCmd())
	cmd.AddCommand(addrLocalCmd())
	cmd.AddCommand(addrFormatCmd())

	return cmd
}

// --- addr parse ---

func addrParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <host[:port]>",
		Short: "Resolve a host[:port] string into one or more addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			addrs, err := netaddr.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse %q: %w", args[0], err)
			}

			out, err := formatAddresses(addrs, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- addr local ---

func addrLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "List addresses bound to local network interfaces",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			addrs, err := netaddr.Local()
			if err != nil {
				return fmt.Errorf("enumerate local addresses: %w", err)
			}

			out, err := formatAddresses(addrs, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- addr format ---

func addrFormatCmd() *cobra.Command {
	var numeric bool

	cmd := &cobra.Command{
		Use:   "format <host[:port]>",
		Short: "Parse an address and print it in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			addrs, err := netaddr.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse %q: %w", args[0], err)
			}
			for _, a := range addrs {
				fmt.Println(netaddr.Format(a, numeric))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&numeric, "numeric", false, "skip reverse DNS, print numeric form only")
	return cmd
}

// --- formatters ---

func formatAddresses(addrs []netaddr.Address, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatAddressesJSON(addrs)
	case formatTable:
		return formatAddressesTable(addrs), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAddressesTable(addrs []netaddr.Address) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tADDRESS\tPORT")

	for _, a := range addrs {
		fmt.Fprintf(w, "%s\t%s\t%d\n", a.Family(), a.String(), a.Port())
	}

	_ = w.Flush()
	return buf.String()
}

type addressView struct {
	Family  string `json:"family"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

func formatAddressesJSON(addrs []netaddr.Address) (string, error) {
	views := make([]addressView, 0, len(addrs))
	for _, a := range addrs {
		views = append(views, addressView{
			Family:  a.Family().String(),
			Address: a.String(),
			Port:    a.Port(),
		})
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal addresses to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
