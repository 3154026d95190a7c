package fanout

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/miradorstack/decision-core/internal/models"
)

// Template placeholders understood by channel templates.
const (
	PlaceholderSubject  = "{subject_id}"
	PlaceholderCategory = "{category}"
	PlaceholderService  = "{service}"
)

var placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)

// Route sends decisions matching Category, Severe and Service to Channels.
// An empty Category or Service, or "*", matches anything; a nil Severe
// matches both.
type Route struct {
	Category string   `yaml:"category"`
	Severe   *bool    `yaml:"severe"`
	Service  string   `yaml:"service"`
	Channels []string `yaml:"channels"`
}

func (r Route) matches(d models.Decision) bool {
	if r.Category != "" && r.Category != "*" && r.Category != d.Category {
		return false
	}
	if r.Service != "" && r.Service != "*" && r.Service != string(d.Service) {
		return false
	}
	return r.Severe == nil || *r.Severe == d.Severe
}

// Router resolves decisions to channel targets.
type Router struct {
	routes []Route
}

// NewRouter validates templates and constructs a Router.
func NewRouter(routes []Route) (*Router, error) {
	copied := make([]Route, 0, len(routes))
	for i, route := range routes {
		if len(route.Channels) == 0 {
			return nil, fmt.Errorf("routes[%d]: at least one channel is required", i)
		}
		for _, tmpl := range route.Channels {
			if strings.TrimSpace(tmpl) == "" {
				return nil, fmt.Errorf("routes[%d]: empty channel template", i)
			}
			for _, ph := range placeholderPattern.FindAllString(tmpl, -1) {
				switch ph {
				case PlaceholderSubject, PlaceholderCategory, PlaceholderService:
				default:
					return nil, fmt.Errorf("routes[%d]: unknown placeholder %s in %q", i, ph, tmpl)
				}
			}
		}
		route.Channels = append([]string(nil), route.Channels...)
		copied = append(copied, route)
	}
	return &Router{routes: copied}, nil
}

// Resolve returns the targets for d in route order, without duplicates.
// Templates addressing a subject are skipped when d has none.
func (r *Router) Resolve(d models.Decision) []models.ChannelTarget {
	replacer := strings.NewReplacer(
		PlaceholderSubject, d.SubjectID,
		PlaceholderCategory, d.Category,
		PlaceholderService, string(d.Service),
	)
	seen := make(map[string]struct{})
	targets := make([]models.ChannelTarget, 0)
	for _, route := range r.routes {
		if !route.matches(d) {
			continue
		}
		for _, tmpl := range route.Channels {
			single := strings.Contains(tmpl, PlaceholderSubject)
			if single && d.SubjectID == "" {
				continue
			}
			key := replacer.Replace(tmpl)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			audience := models.AudienceBroadcastGroup
			if single {
				audience = models.AudienceSingleRecipient
			}
			targets = append(targets, models.ChannelTarget{ChannelKey: key, Audience: audience})
		}
	}
	return targets
}
