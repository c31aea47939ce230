// Command itsctl runs ITS scenarios and inspects the emulated register file.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vits/internal/devices/arm64/its"
	"github.com/tinyrange/vits/internal/scenario"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "itsctl",
		Short:        "Drive an emulated GICv3 Interrupt Translation Service",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd(), newRegistersCmd(), newDecodeCmd())
	return root
}

type runOutput struct {
	scenario.Result `yaml:",inline"`
	Metrics         []metricValue `yaml:"metrics,omitempty"`
}

type metricValue struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	Value      int64             `yaml:"value"`
}

func newRunCmd() *cobra.Command {
	var (
		debug       bool
		withSnap    bool
		withMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a scenario and print what every vCPU received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}

			reader := sdkmetric.NewManualReader()
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			defer provider.Shutdown(context.Background())

			res, err := scenario.Run(cmd.Context(), s, scenario.Options{
				Logger:        logger,
				MeterProvider: provider,
			})
			if err != nil {
				return err
			}
			logger.Debug("scenario complete", "commands", len(res.Commands), "flushes", res.Flushes)

			out := runOutput{Result: *res}
			if !withSnap {
				out.Snapshot = nil
			}
			if withMetrics {
				if out.Metrics, err = collectMetrics(cmd.Context(), reader); err != nil {
					return err
				}
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level")
	cmd.Flags().BoolVar(&withSnap, "snapshot", false, "Include the final ITS snapshot")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "Include command and MSI counters")
	return cmd
}

func collectMetrics(ctx context.Context, reader *sdkmetric.ManualReader) ([]metricValue, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []metricValue
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v := metricValue{Name: m.Name, Value: dp.Value}
				for _, kv := range dp.Attributes.ToSlice() {
					if v.Attributes == nil {
						v.Attributes = make(map[string]string)
					}
					v.Attributes[string(kv.Key)] = kv.Value.Emit()
				}
				out = append(out, v)
			}
		}
	}
	return out, nil
}

type registerValue struct {
	Name   string `yaml:"name"`
	Offset string `yaml:"offset"`
	Value  string `yaml:"value"`
}

var registerNames = []struct {
	name   string
	offset uint64
	size   int
}{
	{"GITS_CTLR", its.GITS_CTLR, 4},
	{"GITS_IIDR", its.GITS_IIDR, 4},
	{"GITS_TYPER", its.GITS_TYPER, 8},
	{"GITS_CBASER", its.GITS_CBASER, 8},
	{"GITS_CWRITER", its.GITS_CWRITER, 8},
	{"GITS_CREADR", its.GITS_CREADR, 8},
	{"GITS_PIDR0", its.GITS_PIDR0, 4},
	{"GITS_PIDR1", its.GITS_PIDR1, 4},
	{"GITS_PIDR2", its.GITS_PIDR2, 4},
	{"GITS_PIDR3", its.GITS_PIDR3, 4},
	{"GITS_PIDR4", its.GITS_PIDR4, 4},
	{"GITS_CIDR0", its.GITS_CIDR0, 4},
	{"GITS_CIDR1", its.GITS_CIDR1, 4},
	{"GITS_CIDR2", its.GITS_CIDR2, 4},
	{"GITS_CIDR3", its.GITS_CIDR3, 4},
}

func newRegistersCmd() *cobra.Command {
	var vcpus int
	cmd := &cobra.Command{
		Use:   "registers",
		Short: "Print the reset values of the ITS control registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := its.New(its.Config{
				NumVCPUs: vcpus,
				Logger:   slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)),
			})
			if err != nil {
				return err
			}
			var out []registerValue
			for _, r := range registerNames {
				out = append(out, registerValue{
					Name:   r.name,
					Offset: fmt.Sprintf("0x%04x", r.offset),
					Value:  fmt.Sprintf("0x%0*x", r.size*2, dev.ReadRegister(r.offset, r.size)),
				})
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&vcpus, "vcpus", 1, "Number of vCPUs the ITS is sized for")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <dw0> <dw1> <dw2> <dw3>",
		Short: "Decode a 32-byte command given as four 64-bit words",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw [its.CommandSize]byte
			for i, arg := range args {
				w, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return fmt.Errorf("word %d: %w", i, err)
				}
				binary.LittleEndian.PutUint64(raw[i*8:], w)
			}
			c := its.DecodeCommand(raw)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %+v\n", c.Opcode(), c)
			return nil
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}
