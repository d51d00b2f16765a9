package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/urfave/cli/v3"
)

func runSync(ctx context.Context, cmd *cli.Command) error {
	a, err := bootstrap(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.services()
	if err != nil {
		return err
	}
	summary := svc.Refresh(ctx, catalog.RefreshOptions{ForceAPIDetection: cmd.Bool("force-api")})

	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runDetectAPIs(ctx context.Context, cmd *cli.Command) error {
	a, err := bootstrap(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.services()
	if err != nil {
		return err
	}
	services, err := svc.ListServices(ctx)
	if err != nil {
		return err
	}

	force := cmd.Bool("force")
	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tRESULT\tTYPE\tAPI URL")
	found := 0
	for i := range services {
		name := services[i].Name
		res, err := svc.DetectAPI(ctx, name, force)
		switch {
		case err != nil:
			fmt.Fprintf(tw, "%s\terror: %v\t\t\n", name, err)
		case res.Skipped != "":
			fmt.Fprintf(tw, "%s\tskipped (%s)\t\t\n", name, res.Skipped)
		case res.Found:
			found++
			fmt.Fprintf(tw, "%s\tfound\t%s\t%s\n", name, res.Type, res.URL)
		default:
			fmt.Fprintf(tw, "%s\tnot found\t\t\n", name)
		}
	}
	fmt.Fprintf(tw, "\n%d of %d services expose a detected API\n", found, len(services))
	return tw.Flush()
}
