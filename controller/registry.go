package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/logging"
)

type (
	// Config is the configuration of one controller.
	Config struct {
		Name       string                 `json:"name"`
		Type       string                 `json:"type"`
		Attributes map[string]interface{} `json:"attributes,omitempty"`

		// ConvertedAttributes holds the type's native config once Build has converted Attributes.
		ConvertedAttributes interface{} `json:"-"`
	}

	// A Constructor builds an uninitialized controller from its config.
	Constructor func(ctx context.Context, conf Config, logger logging.Logger) (Controller, error)

	// An AttributeMapConverter converts an attribute map into a native config type.
	AttributeMapConverter func(attributes map[string]interface{}) (interface{}, error)

	// A Registration stores construction info for a controller type.
	Registration struct {
		Constructor           Constructor
		AttributeMapConverter AttributeMapConverter
	}

	// Validator is implemented by native configs that can check themselves.
	Validator interface {
		Validate() error
	}
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// RegisterType registers a controller type. It panics on a duplicate or empty registration so
// mistakes surface at init time.
func RegisterType(typ string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if typ == "" {
		panic(errors.New("cannot register a controller with an empty type"))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register controller type %q with a nil constructor", typ))
	}
	if _, old := registry[typ]; old {
		panic(errors.Errorf("trying to register two controller types with the same name %q", typ))
	}
	registry[typ] = reg
}

// RegisterTypeWithConfig registers a type whose attributes decode into *ConfigT. The constructor
// finds the decoded config in conf.ConvertedAttributes.
func RegisterTypeWithConfig[ConfigT any](typ string, constructor Constructor) {
	RegisterType(typ, Registration{
		Constructor: constructor,
		AttributeMapConverter: func(attributes map[string]interface{}) (interface{}, error) {
			return TransformAttributeMap[ConfigT](attributes)
		},
	})
}

// DeregisterType removes a type. Only meant for tests.
func DeregisterType(typ string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, typ)
}

// LookupType returns the registration for a type.
func LookupType(typ string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[typ]
	return reg, ok
}

// RegisteredTypes returns every registered type, sorted.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := lo.Keys(registry)
	sort.Strings(types)
	return types
}

// TransformAttributeMap decodes an attribute map into a native config using its json tags.
func TransformAttributeMap[T any](attributes map[string]interface{}) (*T, error) {
	var conf T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &conf,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Build converts and validates conf's attributes and constructs the controller. The result still
// needs Init.
func Build(ctx context.Context, conf Config, logger logging.Logger) (Controller, error) {
	reg, ok := LookupType(conf.Type)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", conf.Type)
	}
	if reg.AttributeMapConverter != nil {
		converted, err := reg.AttributeMapConverter(conf.Attributes)
		if err != nil {
			return nil, errors.Wrapf(err, "converting attributes of %q", conf.Name)
		}
		if v, ok := converted.(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, errors.Wrapf(err, "invalid attributes for %q", conf.Name)
			}
		}
		conf.ConvertedAttributes = converted
	}
	return reg.Constructor(ctx, conf, logger)
}

// Loader resolves a controller name to a new, uninitialized controller.
type Loader interface {
	Instantiate(ctx context.Context, name string) (Controller, error)
}

// TypedLoader can also build controllers that are not configured, given an explicit type.
type TypedLoader interface {
	Loader
	InstantiateType(ctx context.Context, name, typ string) (Controller, error)
}

// ConfigLoader resolves names through a list of configs and the type registry.
type ConfigLoader struct {
	configs map[string]Config
	logger  logging.Logger
}

// NewConfigLoader returns a loader over the given configs. Later duplicates replace earlier ones.
func NewConfigLoader(configs []Config, logger logging.Logger) *ConfigLoader {
	return &ConfigLoader{
		configs: lo.SliceToMap(configs, func(c Config) (string, Config) { return c.Name, c }),
		logger:  logger,
	}
}

// Instantiate builds the configured controller called name.
func (l *ConfigLoader) Instantiate(ctx context.Context, name string) (Controller, error) {
	conf, ok := l.configs[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "no configuration for controller %q", name)
	}
	return Build(ctx, conf, l.logger.Sublogger(name))
}

// InstantiateType builds a controller of the given type. A configured controller of the same name
// contributes its attributes but must agree on the type.
func (l *ConfigLoader) InstantiateType(ctx context.Context, name, typ string) (Controller, error) {
	conf, ok := l.configs[name]
	if !ok {
		conf = Config{Name: name, Type: typ}
	} else if conf.Type != typ {
		return nil, errors.Errorf("controller %q is configured as %q, not %q", name, conf.Type, typ)
	}
	return Build(ctx, conf, l.logger.Sublogger(name))
}
