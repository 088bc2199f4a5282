// cmd/tools/template-linter/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/generator"
	"fleet-compiler/internal/models"
	"fleet-compiler/internal/templates"
	"fleet-compiler/internal/validation"
	"fleet-compiler/pkg/registry"
)

var templateDir string

func main() {
	lintCmd := flag.NewFlagSet("lint", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	renderCmd := flag.NewFlagSet("render", flag.ExitOnError)

	maxDepth := lintCmd.Int("max-depth", templates.DefaultMaxDepth, "Maximum extends chain length")

	templateID := renderCmd.String("template", "", "Template ID to render (e.g., maintenance_scheduling)")
	entitiesPath := renderCmd.String("entities", "", "JSON file mapping field names to values")

	for _, fs := range []*flag.FlagSet{lintCmd, listCmd, renderCmd} {
		fs.StringVar(&templateDir, "dir", "configs/templates", "Template directory")
	}

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "lint":
		lintCmd.Parse(os.Args[2:])
		if err := lint(*maxDepth); err != nil {
			fmt.Printf("Template lint failed: %v\n", err)
			os.Exit(1)
		}

	case "list":
		listCmd.Parse(os.Args[2:])
		if err := list(); err != nil {
			fmt.Printf("Error listing templates: %v\n", err)
			os.Exit(1)
		}

	case "render":
		renderCmd.Parse(os.Args[2:])
		if *templateID == "" || *entitiesPath == "" {
			fmt.Println("Error: template and entities are required for render.")
			renderCmd.Usage()
			os.Exit(1)
		}
		if err := render(*templateID, *entitiesPath); err != nil {
			fmt.Printf("Error rendering template: %v\n", err)
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func checkTemplate(t *models.Template) error {
	if err := generator.CheckTemplate(t); err != nil {
		return err
	}
	return validation.CheckSchema(t)
}

func lint(maxDepth int) error {
	defs, err := registry.LoadDirectory(templateDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("no templates found in %s", templateDir)
	}

	problems := templates.Lint(defs, maxDepth, checkTemplate)
	for _, p := range problems {
		fmt.Printf("  %s\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d problem(s) in %d template(s)", len(problems), len(defs))
	}

	fmt.Printf("Template lint passed. Checked %d templates.\n", len(defs))
	return nil
}

func loadStore() (*templates.Store, error) {
	store := templates.NewStore(templates.DirectorySource(templateDir), templates.Options{Checker: checkTemplate}, logger.NewNoOpLogger())
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	return store, nil
}

func list() error {
	store, err := loadStore()
	if err != nil {
		return err
	}

	for _, intent := range store.Intents() {
		fmt.Printf("%s\n", intent)
		for _, t := range store.ByIntent(intent) {
			chain := append(append([]string{}, t.ResolvedFrom...), t.ID)
			fmt.Printf("  %-28s priority=%-3d %s %s\n", t.ID, t.Priority, t.Method, t.Endpoint)
			fmt.Printf("    extends:  %s\n", strings.Join(chain, " -> "))
			fmt.Printf("    required: %s\n", strings.Join(t.RequiredFields, ", "))
			fields := templates.PlaceholderNames(t.Body)
			sort.Strings(fields)
			fmt.Printf("    fields:   %s\n", strings.Join(fields, ", "))
		}
	}
	return nil
}

func render(id, entitiesPath string) error {
	store, err := loadStore()
	if err != nil {
		return err
	}
	tmpl, ok := store.Get(id)
	if !ok {
		return fmt.Errorf("template %s not found", id)
	}

	data, err := os.ReadFile(entitiesPath)
	if err != nil {
		return fmt.Errorf("failed to read entities: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse entities: %w", err)
	}
	bag := models.NewEntityBag(1)
	for k, v := range values {
		bag.Fields[k] = models.EntityValue{Value: v, Confidence: 1}
	}

	log := logger.NewNoOpLogger()
	req, genErr := generator.New(time.Local, log).Generate(tmpl, bag)
	if req == nil {
		return genErr
	}

	result := validation.NewValidator(nil, validation.Options{Location: time.Local}, log).Validate(context.Background(), req, tmpl)
	out, err := json.MarshalIndent(map[string]interface{}{
		"request":    req,
		"validation": result,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(out))

	if genErr != nil {
		return genErr
	}
	if !result.IsValid {
		return fmt.Errorf("rendered request does not validate")
	}
	return nil
}

func help() {
	fmt.Print(`
Usage: template-linter <command> [flags]

Commands:
  lint    Resolve and check every template in the directory
  list    List concrete templates grouped by intent
  render  Render one template with sample entities and validate the result
  help    Show this help message

Examples:
  template-linter lint -dir configs/templates
  template-linter list -dir configs/templates
  template-linter render -dir configs/templates -template vehicle_reservation -entities sample.json

`)
}
