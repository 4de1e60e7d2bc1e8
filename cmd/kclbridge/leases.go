package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/modoterra/kclbridge/pkg/core"
	"github.com/modoterra/kclbridge/pkg/leases"
)

var leasesFlags struct {
	manifest    string
	region      string
	endpoint    string
	leaseSuffix string
	json        bool
	reset       bool
}

var leasesCmd = &cobra.Command{
	Use:   "leases <stream>",
	Short: "Show (or reset) the daemon lease table of a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := leaseStreamInfo(args[0])
		if err != nil {
			return err
		}
		r, err := leases.NewReader(info, leaseOptions(info))
		if err != nil {
			return err
		}

		if leasesFlags.reset {
			if err := r.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted lease table %s\n", r.Table())
			return nil
		}

		list, err := r.List(cmd.Context())
		if err != nil {
			if leases.IsNotFound(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "no lease table %s yet\n", r.Table())
				return nil
			}
			return err
		}

		if leasesFlags.json {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SHARD\tOWNER\tCOUNTER\tCHECKPOINT")
		for _, l := range list {
			owner := l.Owner
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", l.ShardID, owner, l.Counter, l.Checkpoint)
		}
		return tw.Flush()
	},
}

func init() {
	f := leasesCmd.Flags()
	f.StringVar(&leasesFlags.manifest, "manifest", "", "take region, endpoint and suffix from this manifest")
	f.StringVar(&leasesFlags.region, "region", "", "AWS region, or \"local\" (default from config)")
	f.StringVar(&leasesFlags.endpoint, "endpoint", "", "Kinesis endpoint URL override")
	f.StringVar(&leasesFlags.leaseSuffix, "lease-table-suffix", "", "application name suffix")
	f.BoolVar(&leasesFlags.json, "json", false, "output as JSON")
	f.BoolVar(&leasesFlags.reset, "reset", false, "delete the lease table so consumption restarts from the initial position")

	rootCmd.AddCommand(leasesCmd)
}

func leaseStreamInfo(stream string) (core.StreamInfo, error) {
	opts := core.StreamOptions{
		Region:           cfg.Region,
		EndpointURL:      leasesFlags.endpoint,
		LeaseTableSuffix: leasesFlags.leaseSuffix,
		TmpDir:           cfg.TmpFolder,
		LocalHost:        cfg.Hostname,
		KinesisPort:      cfg.Port("kinesis"),
	}
	if leasesFlags.manifest != "" {
		mf, err := loadManifest(leasesFlags.manifest)
		if err != nil {
			return core.StreamInfo{}, err
		}
		st, ok := mf.Streams[stream]
		if !ok {
			return core.StreamInfo{}, fmt.Errorf("stream %q not in %s", stream, leasesFlags.manifest)
		}
		if st.Region != "" {
			opts.Region = st.Region
		}
		if st.Endpoint != "" && opts.EndpointURL == "" {
			opts.EndpointURL = st.Endpoint
		}
		if st.LeaseTableSuffix != "" && opts.LeaseTableSuffix == "" {
			opts.LeaseTableSuffix = st.LeaseTableSuffix
		}
	}
	if leasesFlags.region != "" {
		opts.Region = leasesFlags.region
	}
	return core.NewStreamInfo(stream, opts)
}
