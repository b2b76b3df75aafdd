package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/model"
)

// NewProductsCommand creates the products command group.
func NewProductsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "List, show, create and delete products",
	}

	cmd.AddCommand(newProductsListCommand(rootOpts))
	cmd.AddCommand(newProductsGetCommand(rootOpts))
	cmd.AddCommand(newProductsCreateCommand(rootOpts))
	cmd.AddCommand(newProductsDeleteCommand(rootOpts))

	return cmd
}

func newProductsListCommand(rootOpts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products from the local cache",
		Long: `List products. A fresh cache is shown as is; an expired cache is
refreshed from the server and shown stale when the server is unreachable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				snap, err := s.device.Inventory.Products(ctx, refresh)
				if err != nil {
					return s.formatter.Fail("failed to list products", err)
				}
				return s.formatter.Render(snap, func(w io.Writer) error {
					writeProducts(w, snap.Data)
					writeFreshness(w, snap.FetchedAt, snap.IsExpired, snap.Stale, snap.LastRefreshError)
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ask the server even if the cache is fresh")

	return cmd
}

func newProductsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <product-id>",
		Short:         "Show one product",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				id, err := parseID(s.formatter, args[0])
				if err != nil {
					return err
				}
				snap, err := s.device.Inventory.Product(ctx, id)
				if err != nil {
					return s.formatter.Fail("failed to get product", err)
				}
				return s.formatter.Render(snap, func(w io.Writer) error {
					writeProducts(w, []model.Product{snap.Data})
					writeFreshness(w, snap.FetchedAt, snap.IsExpired, snap.Stale, snap.LastRefreshError)
					return nil
				})
			})
		},
	}
}

func newProductsCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var in model.ProductInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a new product",
		Long: `Queue a new product. It is listed at once under a temporary negative
ID and receives its server ID when the queue syncs.

Example:
  shelfsync products create --name Sprocket --sku SP-1 --price-cents 250 --stock 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				it, err := s.device.Inventory.CreateProduct(ctx, in)
				if err != nil {
					return s.formatter.Fail("failed to create product", err)
				}
				return queued(ctx, s, it)
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "product name (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.SKU, "sku", "", "stock keeping unit")
	cmd.Flags().StringVar(&in.UPC, "upc", "", "universal product code")
	cmd.Flags().Int64Var(&in.PriceCents, "price-cents", 0, "sale price in cents")
	cmd.Flags().Int64Var(&in.CostCents, "cost-cents", 0, "cost in cents")
	cmd.Flags().Int64Var(&in.StockQuantity, "stock", 0, "initial stock quantity")
	cmd.Flags().Int64Var(&in.SupplierID, "supplier", 0, "supplier ID")
	cmd.Flags().Int64Var(&in.CategoryID, "category", 0, "category ID")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newProductsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <product-id>",
		Short:         "Queue a product delete",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				id, err := parseID(s.formatter, args[0])
				if err != nil {
					return err
				}
				it, err := s.device.Inventory.DeleteProduct(ctx, id)
				if err != nil {
					return s.formatter.Fail("failed to delete product", err)
				}
				return queued(ctx, s, it)
			})
		},
	}
}

// parseID parses a product ID argument. Local IDs are negative.
func parseID(f *OutputFormatter, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id == 0 {
		msg := fmt.Sprintf("invalid product ID %q", arg)
		_ = f.Error(ErrCodeInvalidArgument, msg, nil)
		return 0, NewExitError(ExitCommandError, msg)
	}
	return id, nil
}

func writeProducts(w io.Writer, products []model.Product) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSKU\tSTOCK\tPRICE\t")
	for _, p := range products {
		mark := ""
		if p.PendingSync {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", p.ID, p.Name, p.SKU, p.StockQuantity, cents(p.PriceCents), mark)
	}
	tw.Flush()
}

func writeFreshness(w io.Writer, fetchedAt time.Time, expired, stale bool, lastErr string) {
	switch {
	case stale:
		fmt.Fprintf(w, "\nOffline copy from %s (refresh failed: %s)\n", fetchedAt.Local().Format(time.DateTime), lastErr)
	case expired:
		fmt.Fprintf(w, "\nLast updated %s\n", fetchedAt.Local().Format(time.DateTime))
	}
}

func cents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// QueuedResult is the JSON payload of every write command.
type QueuedResult struct {
	ItemID string       `json:"item_id"`
	Kind   model.Kind   `json:"kind"`
	Seq    int64        `json:"seq"`
	Target int64        `json:"target"`
	Status model.Status `json:"status,omitempty"`
	Synced bool         `json:"synced"`
}

// queued gives a freshly queued write one drain cycle so an online clerk
// sees it confirmed before the command exits. The server is probed first
// so an offline write never spends an attempt.
func queued(ctx context.Context, s *session, it model.QueueItem) error {
	result := QueuedResult{ItemID: it.ID, Kind: it.Kind, Seq: it.Seq, Status: it.Status}
	if m, err := it.Mutation(); err == nil {
		result.Target = m.Target()
	}

	if s.device.Monitor.Probe(ctx, s.device.API) {
		if _, err := s.device.Engine.Drain(ctx); err != nil {
			s.logger.Warn("sync after write failed", "item_id", it.ID, "error", err)
		}
		if done, err := s.device.Queue.IsCompleted(ctx, it.ID); err == nil && done {
			result.Synced = true
			result.Status = ""
		} else if cur, err := s.device.Queue.Get(ctx, it.ID); err == nil {
			result.Status = cur.Status
		}
	}

	return s.formatter.Render(result, func(w io.Writer) error {
		switch {
		case result.Synced:
			fmt.Fprintf(w, "Synced %s for product %d\n", it.Kind, result.Target)
		case result.Status == model.StatusFailed:
			fmt.Fprintf(w, "Rejected %s for product %d (item %s); see 'shelfsync queue list'\n", it.Kind, result.Target, it.ID)
		default:
			fmt.Fprintf(w, "Queued %s for product %d (item %s); it syncs when online\n", it.Kind, result.Target, it.ID)
		}
		return nil
	})
}
