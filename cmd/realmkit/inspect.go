package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MarcoPoloResearchLab/realmkit/internal/config"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

const (
	formatText = "text"
	formatYAML = "yaml"
)

type inspectReport struct {
	Path          string               `yaml:"path"`
	Version       int64                `yaml:"version"`
	Classes       []classReport        `yaml:"classes"`
	Subscriptions []subscriptionReport `yaml:"subscriptions,omitempty"`
}

type classReport struct {
	Name       string            `yaml:"name"`
	Count      int               `yaml:"count"`
	Properties []schema.Property `yaml:"properties"`
}

type subscriptionReport struct {
	Name      string     `yaml:"name"`
	Class     string     `yaml:"class"`
	Query     string     `yaml:"query"`
	State     string     `yaml:"state"`
	Error     string     `yaml:"error,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

func newInspectCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the classes, object counts and subscriptions of a realm file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatText && format != formatYAML {
				return fmt.Errorf("unsupported format %q (want %s or %s)", format, formatText, formatYAML)
			}
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			opened, err := realm.Open(dynamicConfig(appConfig, false))
			if err != nil {
				return err
			}
			defer opened.Close()

			report, err := buildReport(opened)
			if err != nil {
				return err
			}
			return renderReport(cmd.OutOrStdout(), report, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "Output format (text, yaml)")
	return cmd
}

// dynamicConfig opens the file with its stored schema.
func dynamicConfig(appConfig config.AppConfig, watch bool) realm.Config {
	return realm.Config{
		Path:          appConfig.RealmPath,
		Dynamic:       true,
		EncryptionKey: appConfig.EncryptionKey,
		SchemaVersion: appConfig.SchemaVersion,
		WatchFile:     watch || appConfig.WatchFile,
	}
}

func buildReport(r *realm.Realm) (inspectReport, error) {
	version, err := r.Version()
	if err != nil {
		return inspectReport{}, err
	}
	report := inspectReport{Path: r.Path(), Version: version}
	for _, class := range r.Schema().Classes() {
		if class.Internal() {
			continue
		}
		results, err := r.All(class.Name)
		if err != nil {
			return inspectReport{}, err
		}
		count, err := results.Count()
		if err != nil {
			return inspectReport{}, err
		}
		report.Classes = append(report.Classes, classReport{Name: class.Name, Count: count, Properties: class.Properties})
	}

	records, err := subscription.List(r)
	if err != nil {
		return inspectReport{}, err
	}
	for _, record := range records {
		report.Subscriptions = append(report.Subscriptions, subscriptionReport{
			Name:      record.Name,
			Class:     record.Class,
			Query:     record.Query.String(),
			State:     record.State.String(),
			Error:     record.ErrorMessage,
			ExpiresAt: record.ExpiresAt,
		})
	}
	return report, nil
}

func renderReport(out io.Writer, report inspectReport, format string) error {
	if format == formatYAML {
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(report); err != nil {
			return err
		}
		return encoder.Close()
	}

	fmt.Fprintf(out, "realm %s (version %d)\n\n", report.Path, report.Version)
	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "CLASS\tOBJECTS\tPROPERTIES")
	for _, class := range report.Classes {
		names := make([]string, 0, len(class.Properties))
		for _, property := range class.Properties {
			names = append(names, describeProperty(property))
		}
		fmt.Fprintf(table, "%s\t%d\t%s\n", class.Name, class.Count, strings.Join(names, ", "))
	}
	if err := table.Flush(); err != nil {
		return err
	}
	if len(report.Subscriptions) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	table = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "SUBSCRIPTION\tCLASS\tSTATE\tQUERY")
	for _, sub := range report.Subscriptions {
		state := sub.State
		if sub.Error != "" {
			state = fmt.Sprintf("%s (%s)", state, sub.Error)
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", sub.Name, sub.Class, state, sub.Query)
	}
	return table.Flush()
}

func describeProperty(property schema.Property) string {
	description := property.Name + ":" + property.Type.String()
	if property.Nullable {
		description += "?"
	}
	if property.PrimaryKey {
		description += " pk"
	}
	return description
}
