package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/detention-letters/internal/store"
	"github.com/pitabwire/detention-letters/model"
)

// fixtures is the YAML layout of a seed file.
type fixtures struct {
	Users  []fixtureUser  `yaml:"users"`
	Orders []fixtureOrder `yaml:"orders"`
}

type fixtureUser struct {
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`
	FullName string `yaml:"full_name"`
	Email    string `yaml:"email"`
	Title    string `yaml:"title"`
}

type fixtureOrder struct {
	SummaryID       string        `yaml:"summary_id"`
	OrderID         string        `yaml:"order_id"`
	OrderNumber     string        `yaml:"order_number"`
	OrderName       string        `yaml:"order_name"`
	OpportunityID   string        `yaml:"opportunity_id"`
	DocumentPath    string        `yaml:"document_path"`
	SoldToEmail     string        `yaml:"sold_to_email"`
	OrderModifiedBy string        `yaml:"order_modified_by"`
	BusinessUnit    string        `yaml:"business_unit"`
	City            string        `yaml:"city"`
	State           string        `yaml:"state"`
	CreatedAt       time.Time     `yaml:"created_at"`
	SalesEngineer   string        `yaml:"sales_engineer"`
	ProductLines    []fixtureLine `yaml:"product_lines"`
}

type fixtureLine struct {
	ProductFamily string `yaml:"product_family"`
	PartNumber    string `yaml:"part_number"`
	Shape         string `yaml:"shape"`
}

// loadFixtures reads and checks a seed file.
func loadFixtures(path string) (*fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var fx fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, o := range fx.Orders {
		if o.OrderID == "" || o.OrderNumber == "" {
			return nil, fmt.Errorf("orders[%d]: order_id and order_number are required", i)
		}
	}
	for i, u := range fx.Users {
		if u.UserID == "" {
			return nil, fmt.Errorf("users[%d]: user_id is required", i)
		}
	}
	return &fx, nil
}

// apply inserts users first so orders can reference their sales engineer.
func (fx *fixtures) apply(ctx context.Context, s store.Seeder) error {
	for _, u := range fx.Users {
		err := s.AddUser(ctx, model.User{
			UserID:   u.UserID,
			UserName: u.UserName,
			FullName: u.FullName,
			Email:    u.Email,
			Title:    u.Title,
		})
		if err != nil {
			return fmt.Errorf("user %q: %w", u.UserID, err)
		}
	}

	for _, o := range fx.Orders {
		lines := make([]model.OrderProductLine, len(o.ProductLines))
		for i, l := range o.ProductLines {
			lines[i] = model.OrderProductLine{ProductFamily: l.ProductFamily, PartNumber: l.PartNumber, Shape: l.Shape}
		}
		_, err := s.AddOrder(ctx, model.OrderSummary{
			SummaryID:       o.SummaryID,
			OrderID:         o.OrderID,
			OrderNumber:     o.OrderNumber,
			OrderName:       o.OrderName,
			OpportunityID:   o.OpportunityID,
			DocumentPath:    o.DocumentPath,
			SoldToEmail:     o.SoldToEmail,
			OrderModifiedBy: o.OrderModifiedBy,
			BusinessUnit:    o.BusinessUnit,
			City:            o.City,
			State:           o.State,
			CreatedAt:       o.CreatedAt,
		}, lines)
		if err != nil {
			return fmt.Errorf("order %q: %w", o.OrderNumber, err)
		}
		if o.SalesEngineer != "" {
			if err := s.AssignSalesEngineer(ctx, o.OrderNumber, o.SalesEngineer); err != nil {
				return fmt.Errorf("order %q: assign sales engineer: %w", o.OrderNumber, err)
			}
		}
	}
	return nil
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load orders and users into a sqlite or postgres store",
		Long: `Insert the users and pending orders described by a fixture file.

The memory store lives only as long as one process; use
"run-once --seed" to process fixtures against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runSeed(ctx context.Context, rootOpts *RootOptions, path string, out io.Writer) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "memory" {
		return NewExitError(ExitCommandError, "seed: the memory store does not persist, use run-once --seed")
	}

	fx, err := loadFixtures(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load fixtures", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	if err := fx.apply(ctx, st); err != nil {
		return WrapExitError(ExitFailure, "seed store", err)
	}

	result := map[string]int{"users": len(fx.Users), "orders": len(fx.Orders)}
	return writeOutput(out, rootOpts.Format, result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "seeded %d users and %d orders\n", len(fx.Users), len(fx.Orders))
		return err
	})
}
