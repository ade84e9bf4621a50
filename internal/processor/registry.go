package processor

import (
	"fmt"
	"sort"
)

// Registry — неизменяемый реестр процессоров по тегу.
//
// Все процессоры создаются в Build; после этого реестр только читается.
type Registry struct {
	processors map[string]Processor
}

// Build создаёт все процессоры из specs.
//
// Возвращает ErrUnknownType, если для Spec.Kind() нет фабрики,
// и ErrDuplicateTag при повторе тега.
func Build(factories map[string]Factory, specs []Spec) (*Registry, error) {
	processors := make(map[string]Processor, len(specs))
	for _, spec := range specs {
		if spec.Tag == "" {
			return nil, fmt.Errorf("%w: empty tag", ErrUnknownType)
		}
		if _, exists := processors[spec.Tag]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, spec.Tag)
		}

		factory, ok := factories[spec.Kind()]
		if !ok {
			return nil, fmt.Errorf("%w: %s (tag %s)", ErrUnknownType, spec.Kind(), spec.Tag)
		}
		p, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("build processor %s: %w", spec.Tag, err)
		}
		processors[spec.Tag] = p
	}
	return &Registry{processors: processors}, nil
}

// Lookup возвращает процессор по тегу.
func (r *Registry) Lookup(tag string) (Processor, error) {
	p, ok := r.processors[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, tag)
	}
	return p, nil
}

// Has проверяет, зарегистрирован ли тег.
func (r *Registry) Has(tag string) bool {
	_, ok := r.processors[tag]
	return ok
}

// Tags возвращает отсортированный список тегов.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.processors))
	for tag := range r.processors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
