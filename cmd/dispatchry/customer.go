package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/dispatchry/internal/customer"
)

var (
	customerListCategory string
	customerListLimit    int
	customerClearYes     bool
)

var customerCmd = &cobra.Command{
	Use:   "customer",
	Short: "Customer management commands",
}

var customerImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import customers from a csv, xlsx or json file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCustomerImport,
}

var customerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List customers, most recently uploaded first",
	RunE:  runCustomerList,
}

var customerClassificationsCmd = &cobra.Command{
	Use:   "classifications",
	Short: "Show customer counts per category",
	RunE:  runCustomerClassifications,
}

var customerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all customers",
	RunE:  runCustomerClear,
}

func init() {
	customerListCmd.Flags().StringVar(&customerListCategory, "category", "", "Filter by category (bulk_buyer, frequent_customer, both, regular)")
	customerListCmd.Flags().IntVar(&customerListLimit, "limit", 50, "Maximum number of customers to show")

	customerClearCmd.Flags().BoolVar(&customerClearYes, "yes", false, "Confirm deletion")

	customerCmd.AddCommand(customerImportCmd, customerListCmd, customerClassificationsCmd, customerClearCmd)
	rootCmd.AddCommand(customerCmd)
}

func runCustomerImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	customers, err := customer.ParseFile(args[0], f)
	if err != nil {
		return err
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.customers.Import(cmd.Context(), customers)
	if err != nil {
		return fmt.Errorf("failed to import customers: %w", err)
	}

	fmt.Printf("Imported %d customers\n", result.TotalCustomers)
	printClassifications(result.Classifications)
	return nil
}

func runCustomerList(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	customers, err := st.customers.List(cmd.Context(), customer.ListFilter{
		Category: customer.Category(customerListCategory),
		Limit:    customerListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list customers: %w", err)
	}

	if len(customers) == 0 {
		fmt.Println("No customers found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tPHONE\tCATEGORY\tQTY\tPURCHASES\tVALUE")
	for _, c := range customers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%d\t%g\n",
			c.ID,
			truncate(c.Name, 24),
			c.Phone,
			c.Category,
			c.TotalQuantity,
			c.PurchaseCount,
			c.OrderValue,
		)
	}
	w.Flush()

	total, err := st.customers.Count(cmd.Context())
	if err == nil {
		fmt.Printf("\nShowing %d of %d customers\n", len(customers), total)
	}
	return nil
}

func runCustomerClassifications(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.customers.Classifications(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get classifications: %w", err)
	}

	printClassifications(counts)
	return nil
}

func printClassifications(counts map[customer.Category]int) {
	w := newTable()
	for _, cat := range []customer.Category{
		customer.CategoryBulkBuyer,
		customer.CategoryFrequentCustomer,
		customer.CategoryBoth,
		customer.CategoryRegular,
	} {
		fmt.Fprintf(w, "  %s\t%d\n", cat, counts[cat])
	}
	w.Flush()
}

func runCustomerClear(cmd *cobra.Command, args []string) error {
	if !customerClearYes {
		return fmt.Errorf("refusing to delete all customers without --yes")
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.customers.Clear(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to clear customers: %w", err)
	}

	fmt.Printf("Deleted %d customers\n", n)
	return nil
}
