package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/models"
)

// ==========================
// Test Helpers
// ==========================

func baseTemplate() models.Template {
	return models.Template{
		ID:             "fleet_base",
		Abstract:       true,
		Method:         "POST",
		RequiredFields: []string{"vehicle_id"},
		Body: map[string]interface{}{
			"source": "fleet-compiler",
			"vehicle": map[string]interface{}{
				"id":    "{{vehicle_id}}",
				"fleet": "default",
			},
		},
	}
}

func maintenanceTemplate() models.Template {
	return models.Template{
		ID:             "maintenance_basic",
		Intent:         "maintenance_scheduling",
		Extends:        "fleet_base",
		Endpoint:       "/maintenance/schedule",
		RequiredFields: []string{"scheduled_date"},
		Body: map[string]interface{}{
			"vehicle": map[string]interface{}{
				"fleet": "{{fleet|default:main}}",
			},
			"date": "{{scheduled_date|format_date}}",
		},
		Schema: &models.Schema{
			Fields: map[string]models.FieldSchema{"date": {Type: "date"}},
		},
	}
}

func newTestStore(t *testing.T, ts ...models.Template) *Store {
	s := NewStore(StaticSource(ts...), Options{}, logger.NewTestLogger(t))
	require.NoError(t, s.Load())
	return s
}

// ==========================
// Select
// ==========================

func TestStore_Select(t *testing.T) {
	a := models.Template{ID: "b_reservation", Intent: "vehicle_reservation", Endpoint: "/r", Method: "POST", Priority: 1}
	b := models.Template{ID: "a_reservation", Intent: "vehicle_reservation", Endpoint: "/r", Method: "POST", Priority: 1}
	c := models.Template{ID: "c_reservation", Intent: "vehicle_reservation", Endpoint: "/r", Method: "POST", Priority: 5}
	d := models.Template{ID: "z_ops", Intent: "vehicle_operations", Endpoint: "/o", Method: "POST"}

	tests := []struct {
		name   string
		set    []models.Template
		intent string
		wantID string
	}{
		{name: "higher priority wins", set: []models.Template{a, b, c}, intent: "vehicle_reservation", wantID: "c_reservation"},
		{name: "tie broken by id", set: []models.Template{a, b}, intent: "vehicle_reservation", wantID: "a_reservation"},
		{name: "exact intent only", set: []models.Template{a, d}, intent: "vehicle_operations", wantID: "z_ops"},
		{name: "no match", set: []models.Template{a}, intent: "parking_assignment"},
		{name: "abstract excluded", set: []models.Template{baseTemplate(), maintenanceTemplate()}, intent: "", wantID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, tt.set...)
			got := s.Select(tt.intent)
			if tt.wantID == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestStore_SelectResolved_NotFound(t *testing.T) {
	s := newTestStore(t, maintenanceTemplate(), baseTemplate())
	_, err := s.SelectResolved("vehicle_reservation")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTemplateNotFound))
}

// ==========================
// Resolve
// ==========================

func TestStore_Resolve_MergesRecursively(t *testing.T) {
	s := newTestStore(t, baseTemplate(), maintenanceTemplate())

	got, ok := s.Get("maintenance_basic")
	require.True(t, ok)

	assert.Equal(t, "POST", got.Method, "inherited from parent")
	assert.Equal(t, "/maintenance/schedule", got.Endpoint)
	assert.Equal(t, []string{"vehicle_id", "scheduled_date"}, got.RequiredFields)
	assert.Equal(t, "", got.Extends)
	assert.Equal(t, []string{"fleet_base"}, got.ResolvedFrom)

	assert.Equal(t, map[string]interface{}{
		"source": "fleet-compiler",
		"vehicle": map[string]interface{}{
			"id":    "{{vehicle_id}}",
			"fleet": "{{fleet|default:main}}",
		},
		"date": "{{scheduled_date|format_date}}",
	}, got.Body)
}

func TestStore_Resolve_Idempotent(t *testing.T) {
	s := newTestStore(t, baseTemplate(), maintenanceTemplate())

	once, err := s.Resolve(maintenanceTemplate())
	require.NoError(t, err)
	twice, err := s.Resolve(*once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	stored, _ := s.Get("maintenance_basic")
	assert.Equal(t, stored, once)
}

func TestStore_Resolve_Errors(t *testing.T) {
	link := func(id, parent string) models.Template {
		return models.Template{ID: id, Extends: parent, Abstract: true}
	}

	deep := []models.Template{{ID: "t0", Abstract: true}}
	for i := 1; i <= 17; i++ {
		deep = append(deep, link(fmt.Sprintf("t%d", i), fmt.Sprintf("t%d", i-1)))
	}
	shallow := deep[:17]

	tests := []struct {
		name     string
		set      []models.Template
		wantCode apperrors.ErrorCode
	}{
		{name: "two-node cycle", set: []models.Template{link("a", "b"), link("b", "a")}, wantCode: apperrors.ErrCodeTemplateCycle},
		{name: "self reference", set: []models.Template{link("a", "a")}, wantCode: apperrors.ErrCodeTemplateCycle},
		{name: "three-node cycle", set: []models.Template{link("a", "b"), link("b", "c"), link("c", "a")}, wantCode: apperrors.ErrCodeTemplateCycle},
		{name: "chain deeper than 16", set: deep, wantCode: apperrors.ErrCodeTemplateCycle},
		{name: "unknown parent", set: []models.Template{link("a", "ghost")}, wantCode: apperrors.ErrCodeTemplateInvalid},
		{name: "duplicate id", set: []models.Template{{ID: "a", Abstract: true}, {ID: "a", Abstract: true}}, wantCode: apperrors.ErrCodeTemplateInvalid},
		{name: "concrete without endpoint", set: []models.Template{{ID: "a", Intent: "x", Method: "POST"}}, wantCode: apperrors.ErrCodeTemplateInvalid},
		{name: "bad method", set: []models.Template{{ID: "a", Intent: "x", Method: "FETCH", Endpoint: "/x"}}, wantCode: apperrors.ErrCodeTemplateInvalid},
		{name: "sixteen hops is fine", set: shallow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(StaticSource(tt.set...), Options{}, logger.NewTestLogger(t))
			err := s.Load()
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestStore_Checker(t *testing.T) {
	checker := func(tmpl *models.Template) error {
		if tmpl.ID == "maintenance_basic" {
			return errors.New("unknown filter")
		}
		return nil
	}
	s := NewStore(StaticSource(baseTemplate(), maintenanceTemplate()), Options{Checker: checker}, logger.NewTestLogger(t))
	err := s.Load()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTemplateInvalid))
}

// ==========================
// Reload
// ==========================

func TestStore_Reload_KeepsPreviousSetOnError(t *testing.T) {
	calls := 0
	source := func() ([]models.Template, error) {
		calls++
		if calls == 1 {
			return []models.Template{baseTemplate(), maintenanceTemplate()}, nil
		}
		broken := maintenanceTemplate()
		broken.Extends = "missing"
		return []models.Template{broken}, nil
	}
	s := NewStore(source, Options{}, logger.NewTestLogger(t))
	require.NoError(t, s.Load())

	require.Error(t, s.Reload())
	got := s.Select("maintenance_scheduling")
	require.NotNil(t, got)
	assert.Equal(t, "maintenance_basic", got.ID)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := newTestStore(t, baseTemplate(), maintenanceTemplate())
	first := s.Select("maintenance_scheduling")
	first.Body["date"] = "mutated"
	first.RequiredFields[0] = "mutated"

	second := s.Select("maintenance_scheduling")
	assert.Equal(t, "{{scheduled_date|format_date}}", second.Body["date"])
	assert.Equal(t, "vehicle_id", second.RequiredFields[0])
}

func TestStore_ConcurrentReadsDuringReload(t *testing.T) {
	s := newTestStore(t, baseTemplate(), maintenanceTemplate())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NotNil(t, s.Select("maintenance_scheduling"))
			}
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Reload())
	}
	wg.Wait()
}

func TestStore_ListIntentsAndFields(t *testing.T) {
	s := newTestStore(t, baseTemplate(), maintenanceTemplate())

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "fleet_base", list[0].ID)

	assert.Equal(t, []string{"maintenance_scheduling"}, s.Intents())
	assert.Equal(t, []string{"vehicle_id", "scheduled_date", "fleet"}, s.Fields("maintenance_scheduling"))
	assert.Nil(t, s.Fields("unknown"))

	byIntent := s.ByIntent("maintenance_scheduling")
	require.Len(t, byIntent, 1)
	assert.Equal(t, "maintenance_basic", byIntent[0].ID)
	assert.Equal(t, []string{"fleet_base"}, byIntent[0].ResolvedFrom)
	assert.Empty(t, s.ByIntent("vehicle_reservation"))
}

// ==========================
// Directory Source & Watch
// ==========================

const yamlTemplate = `
id: reservation_standard
intent: vehicle_reservation
endpoint: /reservations
method: POST
priority: 2
required_fields: [vehicle_id, start_time, end_time]
body:
  vehicle_id: "{{vehicle_id}}"
  seats: 4
  window:
    start: "{{start_time|format_datetime}}"
    end: "{{end_time|format_datetime}}"
`

func TestDirectorySource_LoadsYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reservation.yaml"), []byte(yamlTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.json"), []byte(`{"templates":[{"id":"ops","intent":"vehicle_operations","endpoint":"/ops","method":"PUT","body":{"action":"{{action}}"}}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	s := NewStore(DirectorySource(dir), Options{}, logger.NewTestLogger(t))
	require.NoError(t, s.Load())

	res := s.Select("vehicle_reservation")
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Priority)
	assert.Equal(t, float64(4), res.Body["seats"], "yaml numbers decode like json numbers")
	window, ok := res.Body["window"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "{{start_time|format_datetime}}", window["start"])

	require.NotNil(t, s.Select("vehicle_operations"))
}

func TestStore_Watch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reservation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlTemplate), 0o644))

	s := NewStore(DirectorySource(dir), Options{}, logger.NewTestLogger(t))
	require.NoError(t, s.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 4)
	require.NoError(t, s.Watch(ctx, dir, 20*time.Millisecond, func(err error) { reloaded <- err }))

	updated := yamlTemplate + "description: updated\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after file change")
	}
	got := s.Select("vehicle_reservation")
	require.NotNil(t, got)
	assert.Equal(t, "updated", got.Description)
}

func TestResolveIn_ExtendsDepthLimit(t *testing.T) {
	// t0 extends t1 extends ... extends t<hops>
	chainOf := func(hops int) map[string]models.Template {
		raw := map[string]models.Template{}
		for i := 0; i <= hops; i++ {
			tm := models.Template{ID: fmt.Sprintf("t%d", i), Body: map[string]interface{}{fmt.Sprintf("f%d", i): i}}
			if i < hops {
				tm.Extends = fmt.Sprintf("t%d", i+1)
			}
			raw[tm.ID] = tm
		}
		return raw
	}

	resolved, err := resolveIn(chainOf(16), "t0", 16)
	require.NoError(t, err)
	assert.Len(t, resolved.ResolvedFrom, 16)
	assert.Len(t, resolved.Body, 17)

	_, err = resolveIn(chainOf(17), "t0", 16)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTemplateCycle))
}
