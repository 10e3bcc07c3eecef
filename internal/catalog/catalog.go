// Package catalog synchronizes the remote-selectable resource lists
// (models, MCP servers, skills, apps) via cursor pagination and derives
// the slash-command list from them.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/agentlink/internal/consts"
	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/logger"
	"github.com/codefionn/agentlink/internal/wire"
)

// Model describes one selectable model.
type Model struct {
	ID               string
	DisplayName      string
	ReasoningEfforts []string
	DefaultEffort    string
	IsDefault        bool
}

// MCPServer summarizes one configured MCP server.
type MCPServer struct {
	Name          string
	ToolCount     int
	ResourceCount int
	AuthStatus    string
}

// Skill summarizes one installed skill.
type Skill struct {
	Name        string
	Path        string
	Description string
}

// App summarizes one installed app.
type App struct {
	Slug  string
	Title string
}

// Command is one entry of the derived slash-command list.
type Command struct {
	Name        string
	Description string
	Source      string
}

// ListFunc issues one catalog page request and returns the result payload.
type ListFunc func(ctx context.Context, method string, params wire.Value) (wire.Value, error)

// Refresher fetches, merges, and publishes the catalogs for one session.
type Refresher struct {
	list     ListFunc
	rowCap   int
	pageSize int
	log      *logger.Logger

	mu       sync.Mutex
	models   []Model
	servers  []MCPServer
	skills   []Skill
	apps     []App
	commands []Command
}

// NewRefresher creates a refresher that issues pages through list.
func NewRefresher(list ListFunc, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.Global()
	}
	return &Refresher{
		list:     list,
		rowCap:   consts.CatalogRowCap,
		pageSize: consts.CatalogPageSize,
		log:      log.WithPrefix("catalog"),
	}
}

// RefreshAll fetches every catalog concurrently and joins before the merged
// result is published. A failing catalog fails the whole refresh; already
// published state is kept.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	var (
		models  []Model
		servers []MCPServer
		skills  []Skill
		apps    []App
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		models, err = r.fetchModels(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		servers, err = r.fetchMCPServers(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		skills, err = r.fetchSkills(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		apps, err = r.fetchApps(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	r.models = models
	r.servers = servers
	r.skills = skills
	r.apps = apps
	r.recomputeCommandsLocked()
	r.mu.Unlock()

	r.log.Info("catalogs refreshed: %d models, %d mcp servers, %d skills, %d apps",
		len(models), len(servers), len(skills), len(apps))
	return nil
}

// RefreshModels refetches only the model catalog. The slash-command list is
// recomputed regardless of which catalog changed.
func (r *Refresher) RefreshModels(ctx context.Context) error {
	models, err := r.fetchModels(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.models = models
	r.recomputeCommandsLocked()
	r.mu.Unlock()
	return nil
}

// fetchPages walks one catalog's cursor pagination. It keeps requesting
// while the server returns a new, non-repeating cursor and the accumulated
// row count stays under the cap; both guards protect against buggy servers
// that repeat cursors or never terminate the sequence.
func (r *Refresher) fetchPages(ctx context.Context, method string, rowPaths []string) ([]fields.Doc, error) {
	var rows []fields.Doc
	cursor := ""
	seen := map[string]bool{}

	for {
		pageFields := []wire.Field{wire.F("limit", wire.Int(int64(r.pageSize)))}
		if cursor != "" {
			pageFields = append(pageFields, wire.F("cursor", wire.String(cursor)))
		}

		result, err := r.list(ctx, method, wire.Object(pageFields...))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}

		doc := fields.Wrap(result)
		pageRows, _ := doc.Array(rowPaths...)
		rows = append(rows, pageRows...)

		if len(rows) >= r.rowCap {
			r.log.Warn("%s: row cap %d reached, truncating catalog", method, r.rowCap)
			rows = rows[:r.rowCap]
			break
		}

		next, ok := doc.Str("nextCursor", "next_cursor", "cursor")
		if !ok || next == "" {
			break
		}
		if seen[next] || next == cursor {
			r.log.Warn("%s: server repeated cursor %q, stopping pagination", method, next)
			break
		}
		seen[next] = true
		cursor = next
	}

	return rows, nil
}

func (r *Refresher) fetchModels(ctx context.Context) ([]Model, error) {
	rows, err := r.fetchPages(ctx, "model/list", []string{"items", "data", "models"})
	if err != nil {
		return nil, err
	}

	byID := map[string]bool{}
	var out []Model
	for _, row := range rows {
		id, ok := row.Str("id", "model", "modelId", "model_id")
		if !ok || id == "" || byID[id] {
			continue
		}
		byID[id] = true

		m := Model{ID: id}
		m.DisplayName, _ = row.Str("displayName", "display_name", "name")
		if m.DisplayName == "" {
			m.DisplayName = id
		}
		m.ReasoningEfforts, _ = row.StrSlice(
			"supportedReasoningEfforts", "supported_reasoning_efforts",
			"reasoningEfforts", "reasoning_efforts")
		m.DefaultEffort, _ = row.Str("defaultReasoningEffort", "default_reasoning_effort", "defaultEffort")
		m.IsDefault, _ = row.Bool("isDefault", "is_default", "default")
		out = append(out, m)
	}
	return out, nil
}

func (r *Refresher) fetchMCPServers(ctx context.Context) ([]MCPServer, error) {
	rows, err := r.fetchPages(ctx, "mcpServer/list", []string{"items", "data", "mcpServers", "mcp_servers", "servers"})
	if err != nil {
		return nil, err
	}

	byName := map[string]bool{}
	var out []MCPServer
	for _, row := range rows {
		name, ok := row.Str("name", "server", "serverName", "server_name")
		if !ok || name == "" || byName[name] {
			continue
		}
		byName[name] = true

		s := MCPServer{Name: name}
		if n, ok := row.Int("toolCount", "tool_count", "tools.#"); ok {
			s.ToolCount = int(n)
		}
		if n, ok := row.Int("resourceCount", "resource_count", "resources.#"); ok {
			s.ResourceCount = int(n)
		}
		s.AuthStatus, _ = row.Str("authStatus", "auth_status", "auth.status")
		out = append(out, s)
	}
	return out, nil
}

func (r *Refresher) fetchSkills(ctx context.Context) ([]Skill, error) {
	rows, err := r.fetchPages(ctx, "skill/list", []string{"items", "data", "skills"})
	if err != nil {
		return nil, err
	}

	byName := map[string]bool{}
	var out []Skill
	for _, row := range rows {
		name, ok := row.Str("name", "skill", "skillName", "skill_name")
		if !ok || name == "" || byName[name] {
			continue
		}
		byName[name] = true

		s := Skill{Name: name}
		s.Path, _ = row.Str("path", "skillPath", "skill_path")
		s.Description, _ = row.Str("description", "summary")
		out = append(out, s)
	}
	return out, nil
}

func (r *Refresher) fetchApps(ctx context.Context) ([]App, error) {
	rows, err := r.fetchPages(ctx, "app/list", []string{"items", "data", "apps"})
	if err != nil {
		return nil, err
	}

	bySlug := map[string]bool{}
	var out []App
	for _, row := range rows {
		slug, ok := row.Str("slug", "id", "appSlug", "app_slug")
		if !ok || slug == "" || bySlug[slug] {
			continue
		}
		bySlug[slug] = true

		a := App{Slug: slug}
		a.Title, _ = row.Str("title", "name", "displayName", "display_name")
		if a.Title == "" {
			a.Title = slug
		}
		out = append(out, a)
	}
	return out, nil
}

// recomputeCommandsLocked rebuilds the derived slash-command list from the
// current catalogs. Callers hold r.mu.
func (r *Refresher) recomputeCommandsLocked() {
	cmds := []Command{
		{Name: "/model", Description: "Select the active model", Source: "builtin"},
		{Name: "/review", Description: "Start a code review", Source: "builtin"},
		{Name: "/interrupt", Description: "Interrupt the active turn", Source: "builtin"},
	}
	for _, s := range r.skills {
		cmds = append(cmds, Command{
			Name:        "/" + s.Name,
			Description: s.Description,
			Source:      "skill",
		})
	}
	for _, a := range r.apps {
		cmds = append(cmds, Command{
			Name:        "/" + a.Slug,
			Description: a.Title,
			Source:      "app",
		})
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	r.commands = cmds
}

// Models returns the merged model catalog.
func (r *Refresher) Models() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Model(nil), r.models...)
}

// MCPServers returns the merged MCP-server catalog.
func (r *Refresher) MCPServers() []MCPServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MCPServer(nil), r.servers...)
}

// Skills returns the merged skill catalog.
func (r *Refresher) Skills() []Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Skill(nil), r.skills...)
}

// Apps returns the merged app catalog.
func (r *Refresher) Apps() []App {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]App(nil), r.apps...)
}

// Commands returns the derived slash-command list.
func (r *Refresher) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Reset clears all published catalog state.
func (r *Refresher) Reset() {
	r.mu.Lock()
	r.models = nil
	r.servers = nil
	r.skills = nil
	r.apps = nil
	r.commands = nil
	r.mu.Unlock()
}
