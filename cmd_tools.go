package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newToolsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Talk to a running tool server",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tools the server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			info, err := a.client.Initialize(cmd.Context())
			if err != nil {
				return err
			}
			tools, err := a.client.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (protocol %s)\n\n", info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion)
			for _, t := range tools {
				fmt.Fprintf(out, "%s\n    %s\n", t.Name, t.Description)
			}
			return nil
		},
	}

	call := &cobra.Command{
		Use:     "call <name> [key=value...]",
		Short:   "Call a tool and print its result",
		Example: "  caiyun tools call get_weather_forecast location=上海",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(args[1:])
			if err != nil {
				return err
			}
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.client.CallTool(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, result, "", "  ") != nil {
				pretty.Reset()
				pretty.Write(result)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return err
		},
	}

	cmd.AddCommand(list, call)
	return cmd
}

// parseToolArgs turns key=value pairs into tool arguments. Values that are
// valid JSON numbers, booleans, objects or arrays keep their type.
func parseToolArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			if _, isString := decoded.(string); !isString && decoded != nil {
				args[key] = decoded
				continue
			}
		}
		args[key] = value
	}
	return args, nil
}
