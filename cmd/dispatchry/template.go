package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/dispatchry/internal/template"
)

var (
	templateName        string
	templateContent     string
	templateContentFile string
	templateSearch      string
	templateDataJSON    string
	templateCustomerID  string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all templates",
	RunE:  runTemplateList,
}

var templateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new template",
	RunE:  runTemplateCreate,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templatePreviewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Render a template for a customer or test data",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatePreview,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateCreateCmd.Flags().StringVar(&templateName, "name", "", "Template name (required)")
	templateCreateCmd.Flags().StringVar(&templateContent, "content", "", "Message content with {{key}} placeholders")
	templateCreateCmd.Flags().StringVar(&templateContentFile, "file", "", "Read message content from a file")
	templateCreateCmd.MarkFlagRequired("name")
	templateCreateCmd.MarkFlagsMutuallyExclusive("content", "file")

	templateListCmd.Flags().StringVar(&templateSearch, "search", "", "Filter by name")

	templatePreviewCmd.Flags().StringVar(&templateDataJSON, "data", "{}", "JSON object of placeholder values")
	templatePreviewCmd.Flags().StringVar(&templateCustomerID, "customer", "", "Render for a stored customer")

	templateCmd.AddCommand(
		templateListCmd,
		templateCreateCmd,
		templateShowCmd,
		templatePreviewCmd,
		templateDeleteCmd,
	)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	templates, err := st.templates.List(cmd.Context(), template.ListFilter{Search: templateSearch})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tPLACEHOLDERS\tCREATED")
	for _, tmpl := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tmpl.ID,
			tmpl.Name,
			truncate(strings.Join(tmpl.Placeholders, ","), 40),
			tmpl.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	content := templateContent
	if templateContentFile != "" {
		data, err := os.ReadFile(templateContentFile)
		if err != nil {
			return fmt.Errorf("failed to read content file: %w", err)
		}
		content = strings.TrimRight(string(data), "\n")
	}
	if content == "" {
		return fmt.Errorf("template content is required (use --content or --file)")
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	tmpl := &template.Template{Name: templateName, Content: content}
	if err := st.templates.Create(cmd.Context(), tmpl); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	fmt.Printf("Template created: %s\n", tmpl.ID)
	if len(tmpl.Placeholders) > 0 {
		fmt.Printf("Placeholders: %s\n", strings.Join(tmpl.Placeholders, ", "))
	}
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	tmpl, err := st.templates.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}

	fmt.Printf("ID:           %s\n", tmpl.ID)
	fmt.Printf("Name:         %s\n", tmpl.Name)
	fmt.Printf("Placeholders: %s\n", strings.Join(tmpl.Placeholders, ", "))
	fmt.Printf("Created:      %s\n", tmpl.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Println("\n--- Content ---")
	fmt.Println(tmpl.Content)
	return nil
}

func runTemplatePreview(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	tmpl, err := st.templates.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}

	var data map[string]string
	if templateCustomerID != "" {
		c, err := st.customers.Get(cmd.Context(), templateCustomerID)
		if err != nil {
			return fmt.Errorf("failed to get customer: %w", err)
		}
		data = c.Fields()
	} else if err := json.Unmarshal([]byte(templateDataJSON), &data); err != nil {
		return fmt.Errorf("invalid JSON data: %w", err)
	}

	engine := template.NewEngine()
	fmt.Println(engine.Render(tmpl.Content, data))

	if missing := engine.Missing(tmpl, data); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "\nwarning: no value for %s\n", strings.Join(missing, ", "))
	}
	return nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.templates.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %s deleted\n", args[0])
	return nil
}
