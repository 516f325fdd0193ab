package sbq

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultEndpointPort is the TCP port of the Service Broker endpoint created
// by ConfigureEndpoint when no port is given.
const DefaultEndpointPort = 2204

// EndpointName is the name of the Service Broker endpoint managed by this package.
const EndpointName = "SBQEndpoint"

const selectBrokerEndpoint = `SELECT TOP 1 e.name, t.port
	FROM sys.service_broker_endpoints e
	JOIN sys.tcp_endpoints t ON e.endpoint_id = t.endpoint_id`

// ConfigureEndpoint makes sure the server has a Service Broker endpoint
// listening on port. An endpoint already on that port is left alone; an
// endpoint on another port is dropped and recreated.
func ConfigureEndpoint(ctx context.Context, q Queryer, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid endpoint port %d", port)
	}

	name, current, found, err := currentEndpoint(ctx, q)
	if err != nil {
		return err
	}
	if found && current == port {
		return nil
	}

	if found {
		// nolint:gosec
		if _, err := q.ExecContext(ctx, "DROP ENDPOINT "+quoteName(name)); err != nil {
			return fmt.Errorf("dropping endpoint %s: %w", name, err)
		}
	}

	// nolint:gosec
	create := fmt.Sprintf(`CREATE ENDPOINT %s
	STATE = STARTED
	AS TCP (LISTENER_PORT = %d)
	FOR SERVICE_BROKER (AUTHENTICATION = WINDOWS, ENCRYPTION = SUPPORTED)`, quoteName(EndpointName), port)
	if _, err := q.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("creating endpoint on port %d: %w", port, err)
	}

	grant := fmt.Sprintf("GRANT CONNECT ON ENDPOINT::%s TO [public]", quoteName(EndpointName))
	if _, err := q.ExecContext(ctx, grant); err != nil {
		return fmt.Errorf("granting connect on endpoint: %w", err)
	}
	return nil
}

func currentEndpoint(ctx context.Context, q Queryer) (string, int, bool, error) {
	rows, err := q.QueryContext(ctx, selectBrokerEndpoint)
	if err != nil {
		return "", 0, false, fmt.Errorf("querying broker endpoints: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return "", 0, false, rows.Err()
	}
	var (
		name string
		port int
	)
	if err := rows.Scan(&name, &port); err != nil {
		return "", 0, false, fmt.Errorf("scanning broker endpoint: %w", err)
	}
	return name, port, true, rows.Err()
}

// Route tells the local broker how to reach a service hosted by another
// instance.
type Route struct {
	// Name is the route object name. It must match [a-zA-Z_][a-zA-Z0-9_]*.
	Name string

	// Service is the remote queue. Its service name and network address
	// become the route's SERVICE_NAME and ADDRESS.
	Service Address

	// BrokerInstance optionally pins the route to one remote database.
	BrokerInstance string
}

// AddRoute creates a Service Broker route.
func AddRoute(ctx context.Context, q Queryer, r Route) error {
	stmt, err := r.createStatement()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating route %s: %w", r.Name, err)
	}
	return nil
}

func (r Route) createStatement() (string, error) {
	if err := validateIdentifier(r.Name); err != nil {
		return "", err
	}
	if r.Service.IsZero() {
		return "", ErrNilAddress
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE ROUTE %s WITH SERVICE_NAME = %s", quoteName(r.Name), quoteLiteral(r.Service.ServiceName()))
	if r.BrokerInstance != "" {
		id, err := uuid.Parse(r.BrokerInstance)
		if err != nil {
			return "", fmt.Errorf("invalid broker instance %q: %w", r.BrokerInstance, err)
		}
		fmt.Fprintf(&b, ", BROKER_INSTANCE = %s", quoteLiteral(strings.ToUpper(id.String())))
	}
	fmt.Fprintf(&b, ", ADDRESS = %s", quoteLiteral(r.Service.Route()))
	return b.String(), nil
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid identifier %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func quoteLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}
