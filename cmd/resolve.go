package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/angeloszaimis/subpath-proxy/internal/backend"
	"github.com/angeloszaimis/subpath-proxy/internal/handler"
	"github.com/angeloszaimis/subpath-proxy/pkg/logger"
)

type resolution struct {
	Path      string `yaml:"path"`
	Mount     string `yaml:"mount,omitempty"`
	Upstream  string `yaml:"upstream,omitempty"`
	Remainder string `yaml:"remainder,omitempty"`
	Action    string `yaml:"action"`
	File      string `yaml:"file,omitempty"`
	Script    string `yaml:"script,omitempty"`
	PathInfo  string `yaml:"path_info,omitempty"`
	Query     string `yaml:"query,omitempty"`
	Status    int    `yaml:"status,omitempty"`
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Show how a request path would be routed, without serving it",
		Example: `  subpathd resolve /admin/account-bank
  subpathd resolve '/api/users?id=7'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, logger.Discard())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := resolvePath(a.handler, args[0])
			if err != nil {
				return err
			}

			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
}

func resolvePath(h *handler.RouteHandler, target string) (resolution, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return resolution{}, fmt.Errorf("invalid request path %q: %w", target, err)
	}

	res := resolution{Path: u.EscapedPath()}

	plan, err := h.Plan(u.EscapedPath(), u.RawQuery)
	switch {
	case errors.Is(err, handler.ErrNoMountMatched):
		res.Action = "not_found"
		res.Status = http.StatusNotFound
		return res, nil
	case err != nil:
		res.Mount = plan.Mount.Prefix()
		res.Action = "reject"
		res.Status = backend.StatusFor(err)
		return res, nil
	}

	res.Mount = plan.Mount.Prefix()
	res.Upstream = plan.Mount.Upstream().Host
	res.Remainder = plan.Remainder

	if plan.Route == nil {
		res.Action = "static"
		res.File = plan.Decision.Name
		return res, nil
	}

	res.Action = "dispatch"
	res.Script = plan.Route.ScriptPath
	res.PathInfo = plan.Route.PathInfo
	res.Query = plan.Route.Query
	return res, nil
}
