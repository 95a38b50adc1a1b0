package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"caiyun/src/forecast"
	"caiyun/src/orchestrator"
	"caiyun/src/remote"
	"caiyun/src/telemetry"
)

type forecastFlags struct {
	json bool
	raw  bool
}

func newForecastCmd(flags *globalFlags) *cobra.Command {
	ff := &forecastFlags{}
	cmd := &cobra.Command{
		Use:   "forecast [location]",
		Short: "Ask the model for a 24 hour forecast",
		Long: `Ask the model for a 24 hour forecast. The model calls the weather tool,
either directly or through the tool server (--mode mcp), and the answer is
printed as a table. Known locations: 北京, 上海, 广州, 深圳, 杭州.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			location := a.cfg.Location
			if len(args) == 1 {
				location = args[0]
			}
			return a.forecast(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), location, ff)
		},
	}
	cmd.Flags().BoolVar(&ff.json, "json", false, "print the parsed series as JSON")
	cmd.Flags().BoolVar(&ff.raw, "raw", false, "print the tool payload as received")
	return cmd
}

// forecastResult is the --json output. Error is set when mock data is shown.
type forecastResult struct {
	Location string `json:"location"`
	Mode     string `json:"mode"`
	forecast.Series
	Error string `json:"error,omitempty"`
}

// forecast writes the result to out and notices to errOut, so out stays
// machine readable with --json.
func (a *app) forecast(ctx context.Context, out, errOut io.Writer, location string, ff *forecastFlags) error {
	if !a.cfg.HasLLMKey() {
		a.logger.Warn("deepseek api key is not set")
	}
	if a.mode == orchestrator.ModeMCP {
		// Use an in-process tool server unless one is already listening.
		if err := a.server.Start(); err != nil {
			a.logger.Info("using external tool server", "url", a.cfg.ToolServer.URL, "reason", err)
		} else {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.server.Stop(stopCtx)
			}()
		}
	}

	payload, err := a.await(ctx, location)
	if err != nil {
		telemetry.CaptureError(err, map[string]string{"location": location, "mode": a.mode.String()})
		if !remote.IsQuotaExhausted(err) {
			return err
		}
		fmt.Fprintf(errOut, "%v\nShowing mock data instead.\n", err)
		return render(out, forecastResult{Location: location, Mode: a.mode.String(), Series: forecast.Mock(), Error: err.Error()}, ff.json)
	}

	if ff.raw {
		_, err := fmt.Fprintln(out, payload)
		return err
	}
	parser := &forecast.Parser{BaseHour: time.Now().Hour(), BaseTemp: forecast.DefaultBaseTemp}
	return render(out, forecastResult{Location: location, Mode: a.mode.String(), Series: parser.Parse(payload)}, ff.json)
}

// await starts the request and blocks until its callback has run.
func (a *app) await(ctx context.Context, location string) (string, error) {
	type outcome struct {
		payload string
		err     error
	}
	done := make(chan outcome, 1)
	a.orch.Run(ctx, location, a.mode, orchestrator.Callbacks{
		OnSuccess: func(payload string) { done <- outcome{payload: payload} },
		OnError:   func(err error) { done <- outcome{err: err} },
	})
	res := <-done
	return res.payload, res.err
}

func render(out io.Writer, res forecastResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if _, err := fmt.Fprintf(out, "%s 24小时天气预报 (%s)\n\n", res.Location, res.Mode); err != nil {
		return err
	}
	return renderTable(out, res.Series, terminalWidth(out))
}
