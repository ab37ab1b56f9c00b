// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package secrets resolves credentials referenced from mcp.yaml.

Server env values and HTTP headers often carry API tokens. Rather than writing
them into the config file, reference them:

	servers:
	  search:
	    url: https://search.example.com/mcp
	    headers:
	      Authorization: "Bearer keyring:search-token"
	  files:
	    command: npx
	    env:
	      - "ROOT=${HOME}/work"
	      - "API_KEY=env:FILES_API_KEY"

# References

	${VAR}         - expanded from the process environment, anywhere in the value
	env:VAR        - the whole value is taken from the environment variable VAR
	keyring:<key>  - looked up through the backend chain, anywhere in the value

# Backends

	env      - MCPLINK_SECRET_<KEY> environment variables (priority 100, read-only)
	keychain - OS keychain under the "mcplink" service (priority 50)

Backends are queried in priority order; the first hit wins. Resolved keyring
values are cached briefly so a config reload does not prompt the keychain for
every server.

	resolver := secrets.NewResolver(secrets.NewEnvBackend(), secrets.NewKeychainBackend())
	value, err := resolver.Expand(ctx, "Bearer keyring:search-token")
*/
package secrets
