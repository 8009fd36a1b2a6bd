// Package resource is the content model served through the cache: single
// resources by id, the list of active authors, and the trash/restore
// mutation.
package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/datalayer"
	"github.com/briangreenhill/swrcache/model"
)

// Resource types served by the data layer. Anything else is treated as
// absent.
const (
	TypeArticle  = "Article"
	TypePage     = "Page"
	TypeCourse   = "Course"
	TypeVideo    = "Video"
	TypeExercise = "Exercise"
)

var supportedTypes = []any{TypeArticle, TypePage, TypeCourse, TypeVideo, TypeExercise}

type Resource struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	Instance string `json:"instance"`
	Alias    string `json:"alias"`
	Title    string `json:"title"`
	Trashed  bool   `json:"trashed"`
}

func (r Resource) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required, validation.Min(1)),
		validation.Field(&r.Type, validation.Required, validation.In(supportedTypes...)),
		validation.Field(&r.Instance, validation.Required),
		validation.Field(&r.Alias, validation.Required),
	)
}

// SetStatePayload trashes or restores resources on behalf of a user.
type SetStatePayload struct {
	IDs     []int `json:"ids"`
	UserID  int   `json:"userId"`
	Trashed bool  `json:"trashed"`
}

func (p SetStatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.IDs, validation.Required, validation.Each(validation.Required, validation.Min(1))),
		validation.Field(&p.UserID, validation.Required, validation.Min(1)),
	)
}

// Source is the subset of *datalayer.Client used by the model.
type Source interface {
	HandleMessage(ctx context.Context, msg datalayer.Message, expected ...int) (*datalayer.Response, error)
	HandleMessageJSON(ctx context.Context, msg datalayer.Message, expected ...int) (json.RawMessage, error)
}

var _ Source = (*datalayer.Client)(nil)

// Namespace of resource keys: "<instance>.example.org/api/resource/<id>".
func Namespace(instance string) cache.Namespace {
	return cache.Namespace(instance + ".example.org/api/resource/")
}

// ActiveAuthorsKey is the single key of the active authors list.
func ActiveAuthorsKey(instance string) cache.Namespace {
	return cache.Namespace(instance + ".example.org/api/user/active-authors")
}

// Specs holds the query specs of one instance.
type Specs struct {
	Resource      *model.QuerySpec[int, *Resource]
	ActiveAuthors *model.QuerySpec[struct{}, []int]
}

// NewSpecs declares the queries of instance against src.
func NewSpecs(instance string, src Source) Specs {
	ns := Namespace(instance)
	authors := ActiveAuthorsKey(instance)
	return Specs{
		Resource: &model.QuerySpec[int, *Resource]{
			Name:      "resource." + instance,
			Namespace: ns,
			GetKey:    ns.IntKey,
			GetPayload: func(key string) (int, bool) {
				id, ok := ns.ParseInt(key)
				return id, ok && id > 0
			},
			GetCurrentValue: func(ctx context.Context, id int, _ **Resource) (any, error) {
				raw, err := src.HandleMessageJSON(ctx, datalayer.Message{
					Type:    "ResourceQuery",
					Payload: map[string]int{"id": id},
				}, http.StatusOK, http.StatusNotFound)
				if err != nil {
					return nil, err
				}
				if !supported(raw) {
					return nil, nil
				}
				return raw, nil
			},
			Decoder:    model.Nullable(model.JSON[Resource]("Resource")),
			EnableSwr:  true,
			StaleAfter: 10 * time.Minute,
			MaxAge:     time.Hour,
			Examples:   []int{1, 1855},
		},
		ActiveAuthors: &model.QuerySpec[struct{}, []int]{
			Name:      "active-authors." + instance,
			Namespace: authors,
			GetKey:    func(struct{}) string { return string(authors) },
			GetPayload: func(key string) (struct{}, bool) {
				return struct{}{}, key == string(authors)
			},
			GetCurrentValue: func(ctx context.Context, _ struct{}, _ *[]int) (any, error) {
				return src.HandleMessageJSON(ctx, datalayer.Message{Type: "ActiveAuthorsQuery"})
			},
			Decoder:    model.JSON[[]int]("ActiveAuthorIds", validation.Each(validation.Required, validation.Min(1))),
			EnableSwr:  true,
			StaleAfter: time.Hour,
			MaxAge:     24 * time.Hour,
			Examples:   []struct{}{{}},
		},
	}
}

// Refreshables lists the specs for registration.
func (s Specs) Refreshables() []model.Refreshable {
	return []model.Refreshable{s.Resource, s.ActiveAuthors}
}

// supported filters out null bodies and resource types the model does not
// know.
func supported(raw json.RawMessage) bool {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == nil {
		// Let the decoder reject malformed bodies.
		return string(raw) != "null"
	}
	for _, t := range supportedTypes {
		if t == *head.Type {
			return true
		}
	}
	return false
}

// Model is the resource API of one instance.
type Model struct {
	instance      string
	src           Source
	resource      *model.Query[int, *Resource]
	activeAuthors *model.Query[struct{}, []int]
	setState      *model.Mutation[SetStatePayload, struct{}]
}

func New(specs Specs, instance string, src Source, env model.Environment) (*Model, error) {
	m := &Model{instance: instance, src: src}
	var err error
	if m.resource, err = model.NewQuery(specs.Resource, env); err != nil {
		return nil, err
	}
	if m.activeAuthors, err = model.NewQuery(specs.ActiveAuthors, env); err != nil {
		return nil, err
	}
	m.setState, err = model.NewMutation(&model.MutationSpec[SetStatePayload, struct{}]{
		Name:    "set-resource-state." + instance,
		Mutate:  m.mutateState,
		Patches: m.patchState,
	}, env)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Instance() string { return m.instance }

// GetResource returns the resource or nil when it does not exist.
func (m *Model) GetResource(ctx context.Context, id int) (*Resource, error) {
	return m.resource.Get(ctx, id)
}

// GetResourceOfType is GetResource narrowed to one type. A resource of
// another type fails with model.ErrInvalidValue.
func (m *Model) GetResourceOfType(ctx context.Context, id int, typ string) (*Resource, error) {
	d := model.Nullable(model.Refine(model.JSON[Resource]("Resource"), typ, func(r Resource) (Resource, error) {
		if r.Type != typ {
			return Resource{}, errors.Newf("type is %s", r.Type)
		}
		return r, nil
	}))
	return model.GetWithDecoder(ctx, m.resource, id, d)
}

func (m *Model) GetActiveAuthorIDs(ctx context.Context) ([]int, error) {
	return m.activeAuthors.Get(ctx, struct{}{})
}

// SetResourceState trashes or restores resources and patches the cached
// copies without refetching them.
func (m *Model) SetResourceState(ctx context.Context, p SetStatePayload) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "set resource state")
	}
	_, err := m.setState.Execute(ctx, p)
	return err
}

func (m *Model) mutateState(ctx context.Context, p SetStatePayload) (struct{}, error) {
	_, err := m.src.HandleMessage(ctx, datalayer.Message{
		Type:    "ResourceSetStateMutation",
		Payload: p,
	}, http.StatusOK)
	return struct{}{}, err
}

func (m *Model) patchState(p SetStatePayload, _ struct{}) []model.Patch {
	return []model.Patch{
		model.QueryPatch(m.resource, p.IDs, func(current **Resource) (*Resource, bool) {
			if current == nil || *current == nil || (*current).Trashed == p.Trashed {
				return nil, false
			}
			next := **current
			next.Trashed = p.Trashed
			return &next, true
		}),
	}
}
