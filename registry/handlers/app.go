package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/quayside/registry"
	"github.com/quayside/registry/configuration"
	"github.com/quayside/registry/internal/dcontext"
	"github.com/quayside/registry/registry/api/errcode"
	v2 "github.com/quayside/registry/registry/api/v2"
	"github.com/quayside/registry/registry/auth"
	"github.com/quayside/registry/registry/storage"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
	"github.com/quayside/registry/registry/storage/driver/factory"
)

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router           *mux.Router                 // main application router, configured with dispatchers
	driver           storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	registry         registry.Namespace          // registry is the primary registry backend for the app instance.
	accessController auth.AccessController       // main access controller for application

	// nameRegexp validates repository names, compiled from the configured
	// pattern or the default grammar.
	nameRegexp *regexp.Regexp

	// readOnly is true if the registry is in maintenance mode and no writes
	// are allowed.
	readOnly bool
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) *App {
	app := &App{
		Config:  config,
		Context: ctx,
		router:  v2.RouterWithPrefix(config.HTTP.Prefix),
	}

	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLogger(app, "instance.id"))

	nameRegexp, err := config.RepositoryNameRegexp()
	if err != nil {
		// Parse validated the pattern already; this is a programming error.
		panic(fmt.Sprintf("invalid repository name pattern: %v", err))
	}
	if nameRegexp == nil {
		nameRegexp = regexp.MustCompile(`^(?:` + v2.RepositoryNameRegexp.String() + `)$`)
	}
	app.nameRegexp = nameRegexp

	if mc := config.Storage.Setting("maintenance"); mc != nil {
		if ro, ok := mc["readonly"].(bool); ok {
			app.readOnly = ro
		}
	}

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)

	app.driver, err = factory.Create(config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		// TODO(stevvooe): Move the creation of a service into a protected
		// method, where this is created lazily. Its status can be queried via
		// a health check.
		panic(err)
	}

	startUploadPurger(app, app.driver, dcontext.GetLogger(app), config.Storage.Setting("maintenance"))

	var registryOptions []storage.RegistryOption
	if config.EnableBlobDeletion {
		registryOptions = append(registryOptions, storage.EnableBlobDeletion)
	}
	if config.EnableManifestDeletion {
		registryOptions = append(registryOptions, storage.EnableManifestDeletion)
	}

	app.registry, err = storage.NewRegistry(app, app.driver, registryOptions...)
	if err != nil {
		panic("could not create registry: " + err.Error())
	}

	authType := config.Auth.Type()

	if authType != "" {
		options := config.Auth.Parameters()
		if options == nil {
			options = configuration.Parameters{}
		}
		if _, ok := options["realm"]; !ok && config.Realm != "" {
			options["realm"] = config.Realm
		}

		accessController, err := auth.GetAccessController(authType, options)
		if err != nil {
			panic(fmt.Sprintf("unable to configure authorization (%s): %v", authType, err))
		}
		app.accessController = accessController
		dcontext.GetLogger(app).Debugf("configured %q access controller", authType)
	}

	return app
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	// TODO(stevvooe): This odd dispatcher/route registration is by-product of
	// some limitations in the gorilla/mux router. We are using it to keep
	// routing consistent between the client and server, but we may want to
	// replace it with manual routing and structure-based dispatch for better
	// control over the request execution.

	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Prepare the context with our own little decorations.
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))
	r = r.WithContext(ctx)

	defer func() {
		status, ok := ctx.Value("http.response.status").(int)
		if ok && status >= 200 && status <= 399 {
			dcontext.GetResponseLogger(r.Context()).Infof("response completed")
		}
	}()

	// Set a header with the Docker Distribution API Version for all responses.
	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		if routeName == v2.RouteNameBlobUpload || routeName == v2.RouteNameBlobUploadChunk {
			metricsUploadsInFlight.Inc()
			defer metricsUploadsInFlight.Dec()
		}
		defer func() {
			status, _ := r.Context().Value("http.response.status").(int)
			observeRequest(routeName, r.Method, status, started)
		}()

		context := app.context(w, r)
		r = r.WithContext(context.Context)

		if err := app.authorized(w, r, context); err != nil {
			dcontext.GetLogger(context).Warnf("error authorizing context: %v", err)
			return
		}

		// Add username to request logging
		context.Context = dcontext.WithLogger(context.Context, dcontext.GetLogger(context.Context, auth.UserNameKey))

		if app.nameRequired(r) {
			nameRef := getName(context)

			if !app.nameRegexp.MatchString(nameRef) {
				context.Errors = append(context.Errors, errcode.ErrorCodeNameInvalid.WithDetail(nameRef))
				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}
				return
			}

			repository, err := app.registry.Repository(context, nameRef)
			if err != nil {
				dcontext.GetLogger(context).Errorf("error resolving repository: %v", err)

				switch err := err.(type) {
				case registry.ErrRepositoryUnknown:
					context.Errors = append(context.Errors, errcode.ErrorCodeNameUnknown.WithDetail(err))
				case registry.ErrRepositoryNameInvalid:
					context.Errors = append(context.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
				case errcode.Error:
					context.Errors = append(context.Errors, err)
				default:
					context.Errors = append(context.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
				}

				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}
				return
			}

			context.Repository = repository
		}

		dispatch(context, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior (such as range errors
		// for layer upload).
		if context.Errors.Len() > 0 {
			if err := errcode.ServeJSON(w, context.Errors); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}

			app.logError(context, context.Errors)
		}
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e1 := range errors {
		var c context.Context

		switch e := e1.(type) {
		case errcode.Error:
			c = context.WithValue(ctx, errCodeKey{}, e.Code)
			c = context.WithValue(c, errMessageKey{}, e.Message)
			c = context.WithValue(c, errDetailKey{}, e.Detail)
		case errcode.ErrorCode:
			c = context.WithValue(ctx, errCodeKey{}, e)
			c = context.WithValue(c, errMessageKey{}, e.Message())
		default:
			// just normal go 'error'
			c = context.WithValue(ctx, errCodeKey{}, errcode.ErrorCodeUnknown)
			c = context.WithValue(c, errMessageKey{}, e.Error())
		}

		c = dcontext.WithLogger(c, dcontext.GetLogger(c,
			errCodeKey{},
			errMessageKey{},
			errDetailKey{}))
		dcontext.GetResponseLogger(c).Errorf("response completed with error")
	}
}

type errCodeKey struct{}

func (errCodeKey) String() string { return "err.code" }

type errMessageKey struct{}

func (errMessageKey) String() string { return "err.message" }

type errDetailKey struct{}

func (errDetailKey) String() string { return "err.detail" }

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.name",
		"vars.reference",
		"vars.digest",
		"vars.uuid"))

	context := &Context{
		App:        app,
		Context:    ctx,
		urlBuilder: v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs),
	}

	return context
}

// authorized checks if the request can proceed with access to the requested
// repository. If it succeeds, the context may access the requested
// repository. An error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	dcontext.GetLogger(context).Debug("authorizing request")
	repo := getName(context)

	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	var accessRecords []auth.Access

	if repo != "" {
		accessRecords = appendAccessRecords(accessRecords, r.Method, repo)
	} else {
		// Only allow the name not to be set on the base route.
		if app.nameRequired(r) {
			// For this to be properly secured, repo must always be set for a
			// resource that may make a modification. The only condition under
			// which name is not set and we still allow access is when the
			// base route is accessed. This section prevents us from making
			// that mistake elsewhere in the code, allowing any operation to
			// proceed.
			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
			return fmt.Errorf("forbidden: no repository name")
		}

		if !app.Config.PingAuth {
			// The base route is accessible to unauthenticated clients unless
			// the configuration requires otherwise.
			return nil
		}
	}

	ctx, err := app.accessController.Authorized(context.Context, accessRecords...)
	if err != nil {
		switch err := err.(type) {
		case auth.Challenge:
			// Add the appropriate WWW-Auth header
			err.SetHeaders(r, w)

			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
		default:
			// This condition is a potential security problem either in
			// the configuration or whatever is backing the access
			// controller. Just return a bad request with no information
			// to avoid exposure. The request should not proceed.
			dcontext.GetLogger(context).Errorf("error checking authorization: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}

		return err
	}

	dcontext.GetLogger(ctx, auth.UserNameKey).Info("authorized request")

	// TODO(stevvooe): This pattern needs to be cleaned up a bit. One context
	// should be replaced by another, rather than replacing the context on a
	// mutable object.
	context.Context = ctx
	return nil
}

// nameRequired returns true if the route requires a name.
func (app *App) nameRequired(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return true
	}
	routeName := route.GetName()
	return routeName != v2.RouteNameBase
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v2/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// appendAccessRecords checks the method and adds the appropriate Access
// records to the records list.
func appendAccessRecords(records []auth.Access, method string, repo string) []auth.Access {
	resource := auth.Resource{
		Type: "repository",
		Name: repo,
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "pull",
			})
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "pull",
			},
			auth.Access{
				Resource: resource,
				Action:   "push",
			})
	}
	return records
}

// badPurgeUploadConfig aborts startup on an invalid purge configuration.
func badPurgeUploadConfig(reason string) {
	panic(fmt.Sprintf("unable to parse upload purge configuration: %s", reason))
}

// startUploadPurger schedules a goroutine which will periodically
// check upload directories for old files and delete them
func startUploadPurger(ctx context.Context, storageDriver storagedriver.StorageDriver, log dcontext.Logger, config configuration.Parameters) {
	if config == nil {
		return
	}

	pc, ok := config["uploadpurging"]
	if !ok {
		return
	}

	purgeConfig, ok := pc.(map[string]interface{})
	if !ok {
		// yaml decodes nested maps with interface keys in some versions.
		converted := map[string]interface{}{}
		if im, ok := pc.(map[interface{}]interface{}); ok {
			for k, v := range im {
				converted[fmt.Sprint(k)] = v
			}
		} else {
			badPurgeUploadConfig("uploadpurging must be a map")
		}
		purgeConfig = converted
	}

	if enabled, ok := purgeConfig["enabled"].(bool); !ok || !enabled {
		return
	}

	purgeAgeDuration := 168 * time.Hour
	if age, ok := purgeConfig["age"]; ok {
		ageStr, ok := age.(string)
		if !ok {
			badPurgeUploadConfig("age is not a string")
		}

		var err error
		purgeAgeDuration, err = time.ParseDuration(ageStr)
		if err != nil {
			badPurgeUploadConfig(fmt.Sprintf("cannot parse age duration: %s", err.Error()))
		}
	}

	intervalDuration := 24 * time.Hour
	if interval, ok := purgeConfig["interval"]; ok {
		intervalStr, ok := interval.(string)
		if !ok {
			badPurgeUploadConfig("interval is not a string")
		}

		var err error
		intervalDuration, err = time.ParseDuration(intervalStr)
		if err != nil {
			badPurgeUploadConfig(fmt.Sprintf("cannot parse interval duration: %s", err.Error()))
		}
	}

	dryRun := false
	if dr, ok := purgeConfig["dryrun"]; ok {
		dryRunBool, ok := dr.(bool)
		if !ok {
			badPurgeUploadConfig("cannot parse dryrun")
		}
		dryRun = dryRunBool
	}

	go func() {
		for {
			storage.PurgeUploads(ctx, storageDriver, time.Now().Add(-purgeAgeDuration), !dryRun)
			log.Infof("next upload purge in %s", intervalDuration)
			time.Sleep(intervalDuration)
		}
	}()
}
