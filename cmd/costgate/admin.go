package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/middleware"
	"github.com/Strob0t/costgate/internal/service"
)

// adminDeps are the services the admin subcommands run against. Writes made
// here reach the caches of running servers through the NATS broadcast when
// NATS is configured.
type adminDeps struct {
	admin *service.AdminService
	costs *service.CostService
	close func()
}

func loadAdminDeps(ctx context.Context, cfg *config.Config) (*adminDeps, error) {
	b, err := openBackends(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	c, err := resolverCache(ctx, cfg, b)
	if err != nil {
		b.Close()
		return nil, err
	}
	resolver := service.NewResolver(b.store, c, cfg.Cache)
	var invalidator service.CacheInvalidator = resolver
	if b.queue != nil {
		invalidator = service.NewBroadcastInvalidator(resolver, b.queue)
	}
	return &adminDeps{
		admin: service.NewAdminService(b.store, invalidator, resolver, b.ledger),
		costs: service.NewCostService(b.ledger, nil),
		close: b.Close,
	}, nil
}

// adminRunE loads config and services before calling run.
func adminRunE(f *rootFlags, run func(cmd *cobra.Command, args []string, d *adminDeps, p *printer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, flush, err := f.load(cmd, nil)
		if err != nil {
			return err
		}
		defer flush()
		d, err := loadAdminDeps(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer d.close()
		return run(cmd, args, d, newPrinter(cmd.OutOrStdout(), f.jsonOut))
	}
}

// --- tiers ---

func newTiersCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "tiers", Short: "Manage quota tiers"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all tiers",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			tiers, err := d.admin.ListTiers(cmd.Context())
			if err != nil {
				return err
			}
			return printTiers(p, tiers)
		}),
	}

	var (
		req                    quota.CreateTierRequest
		monthly, daily, period string
		action                 string
		disabled               bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tier",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			m, err := cost.ParseUSD(monthly)
			if err != nil {
				return err
			}
			req.MonthlyCostLimit = m
			if daily != "" {
				dl, err := cost.ParseUSD(daily)
				if err != nil {
					return err
				}
				req.DailyCostLimit = &dl
			}
			req.PeriodType = quota.PeriodType(period)
			req.ActionOnLimit = quota.Action(action)
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}
			t, err := d.admin.CreateTier(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printTiers(p, []quota.Tier{*t})
		}),
	}
	fl := create.Flags()
	fl.StringVar(&req.ID, "id", "", "tier id slug (generated when empty)")
	fl.StringVar(&req.Name, "name", "", "display name")
	fl.StringVar(&req.Description, "description", "", "description")
	fl.StringVar(&monthly, "monthly-limit", "0", "monthly cost limit in USD")
	fl.StringVar(&daily, "daily-limit", "", "daily cost limit in USD")
	fl.StringVar(&period, "period", "monthly", "period type (daily|monthly)")
	fl.StringVar(&action, "action", "block", "action on limit (block|warn|notify)")
	fl.BoolVar(&disabled, "disabled", false, "create the tier disabled")
	_ = create.MarkFlagRequired("name")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a tier not referenced by any enabled assignment",
		Args:  cobra.ExactArgs(1),
		RunE: adminRunE(f, func(cmd *cobra.Command, args []string, d *adminDeps, _ *printer) error {
			if err := d.admin.DeleteTier(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "tier %s deleted\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func printTiers(p *printer, tiers []quota.Tier) error {
	return p.print(tiers, []string{"ID", "NAME", "PERIOD", "LIMIT", "ACTION", "ENABLED"}, func(add func(...any)) {
		for i := range tiers {
			t := &tiers[i]
			add(t.ID, t.Name, t.PeriodType, t.Limit(), t.ActionOnLimit, t.Enabled)
		}
	})
}

// --- assignments ---

func newAssignmentsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "assignments", Short: "Manage tier assignments"}

	var filter service.AssignmentFilter
	var typ string
	list := &cobra.Command{
		Use:   "list",
		Short: "List assignments by type, role, user or tier",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			filter.Type = quota.AssignmentType(typ)
			if filter == (service.AssignmentFilter{}) {
				filter.Type = quota.AssignDefaultTier
			}
			list, err := d.admin.ListAssignments(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printAssignments(p, list)
		}),
	}
	lf := list.Flags()
	lf.StringVar(&typ, "type", "", "assignment type (direct_user|jwt_role|default_tier)")
	lf.StringVar(&filter.Role, "role", "", "jwt role")
	lf.StringVar(&filter.UserID, "user", "", "user id")
	lf.StringVar(&filter.TierID, "tier", "", "tier id")

	var (
		req      quota.CreateAssignmentRequest
		createTy string
		priority int
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Assign a tier to a user, a role or everyone",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			req.Type = quota.AssignmentType(createTy)
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			a, err := d.admin.CreateAssignment(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printAssignments(p, []quota.Assignment{*a})
		}),
	}
	cf := create.Flags()
	cf.StringVar(&req.TierID, "tier", "", "tier id")
	cf.StringVar(&createTy, "type", "", "assignment type (direct_user|jwt_role|default_tier)")
	cf.StringVar(&req.UserID, "user", "", "user id for direct_user")
	cf.StringVar(&req.JWTRole, "role", "", "role for jwt_role")
	cf.IntVar(&priority, "priority", 0, "priority (higher wins among roles)")
	_ = create.MarkFlagRequired("tier")
	_ = create.MarkFlagRequired("type")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: adminRunE(f, func(cmd *cobra.Command, args []string, d *adminDeps, _ *printer) error {
			if err := d.admin.DeleteAssignment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "assignment %s deleted\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func printAssignments(p *printer, list []quota.Assignment) error {
	return p.print(list, []string{"ID", "TYPE", "TIER", "USER", "ROLE", "PRIORITY", "ENABLED"}, func(add func(...any)) {
		for i := range list {
			a := &list[i]
			add(a.ID, a.Type, a.TierID, orDash(a.UserID), orDash(a.JWTRole), a.Priority, a.Enabled)
		}
	})
}

// --- resolve / top ---

func newResolveCmd(f *rootFlags) *cobra.Command {
	var user, roles string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the tier and usage that apply to a user",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			uq, err := d.admin.InspectUser(cmd.Context(), user, middleware.ParseRoles(roles))
			if err != nil {
				return err
			}
			return p.print(uq, []string{"USER", "TIER", "SOURCE", "ROLE", "PERIOD", "USED", "LIMIT"}, func(add func(...any)) {
				if uq.Resolved == nil {
					add(uq.UserID, "-", "-", "-", uq.Usage.Period, uq.Usage.TotalCost, "-")
					return
				}
				r := uq.Resolved
				add(uq.UserID, r.TierID, r.Source.AssignmentType, orDash(r.Source.MatchedRole),
					uq.Usage.Period, uq.Usage.TotalCost, r.Tier.Limit())
			})
		}),
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTopCmd(f *rootFlags) *cobra.Command {
	var (
		period  string
		limit   int
		minCost string
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List the highest spenders in a period",
		RunE: adminRunE(f, func(cmd *cobra.Command, _ []string, d *adminDeps, p *printer) error {
			q := cost.TopQuery{Period: period, Limit: limit}
			if q.Period == "" {
				q.Period = cost.MonthPeriod(time.Now())
			}
			if minCost != "" {
				m, err := cost.ParseUSD(minCost)
				if err != nil {
					return err
				}
				q.MinCost = m
			}
			top, err := d.costs.TopUsers(cmd.Context(), q)
			if err != nil {
				return err
			}
			return p.print(top, []string{"#", "USER", "COST", "REQUESTS", "LAST UPDATED"}, func(add func(...any)) {
				for i, u := range top {
					add(i+1, u.UserID, u.TotalCost, u.TotalRequests, u.LastUpdated.Format(time.RFC3339))
				}
			})
		}),
	}
	cmd.Flags().StringVar(&period, "period", "", "period YYYY-MM or YYYY-MM-DD (default current month)")
	cmd.Flags().IntVar(&limit, "limit", cost.DefaultTopLimit, "number of users")
	cmd.Flags().StringVar(&minCost, "min-cost", "", "only users at or above this USD amount")
	return cmd
}
