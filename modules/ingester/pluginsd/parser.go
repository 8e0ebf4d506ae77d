package pluginsd

import (
	"strconv"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netdata/rrdserver/rrddb"
)

var (
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "pluginsd_commands_total",
		Help:      "Total number of line protocol commands processed.",
	}, []string{"command"})
	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "pluginsd_protocol_errors_total",
		Help:      "Total number of producers disabled for protocol violations.",
	})
)

// ErrDisable is returned when the producer must be disabled: either it
// asked for it with DISABLE, or it violated the protocol.
var ErrDisable = errors.New("producer disabled")

// Parser is the line protocol state machine of one producer: outside a
// chart between BEGIN/END, or inside one. Any rejected transition disables
// the producer.
type Parser struct {
	reg    *rrddb.Registry
	logger kitlog.Logger

	// cadence used when CHART omits or zeroes update_every
	updateEvery int

	current *rrddb.Chart // set by CHART and BEGIN, cleared by END and FLUSH

	// sets counts SET commands, the "useful output" signal
	sets uint64
}

// NewParser builds a parser feeding the given registry.
func NewParser(reg *rrddb.Registry, logger kitlog.Logger, updateEvery int) *Parser {
	if updateEvery < 1 {
		updateEvery = reg.UpdateEvery()
	}
	return &Parser{
		reg:         reg,
		logger:      logger,
		updateEvery: updateEvery,
	}
}

// Sets returns how many SET commands the producer issued.
func (p *Parser) Sets() uint64 { return p.sets }

// UpdateEvery returns the producer cadence, possibly adopted from its
// first CHART command.
func (p *Parser) UpdateEvery() int { return p.updateEvery }

// Process executes one line. It returns ErrDisable (possibly wrapped) when
// the producer must be stopped and not respawned.
func (p *Parser) Process(line string) error {
	words := splitQuoted(line)
	if len(words) == 0 {
		return nil
	}

	command, args := words[0], words[1:]
	metricCommands.WithLabelValues(command).Inc()

	switch command {
	case "SET":
		return p.set(args)
	case "BEGIN":
		return p.begin(args)
	case "END":
		return p.end()
	case "FLUSH":
		p.current = nil
		return nil
	case "CHART":
		return p.chart(args)
	case "DIMENSION":
		return p.dimension(args)
	case "DISABLE":
		level.Info(p.logger).Log("msg", "producer called DISABLE")
		return ErrDisable
	case "#":
		return nil
	default:
		p.fault("unknown command", "command", command)
		return errors.Wrapf(ErrDisable, "unknown command %q", command)
	}
}

func (p *Parser) fault(msg string, keyvals ...interface{}) {
	metricProtocolErrors.Inc()
	level.Error(p.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (p *Parser) set(args []string) error {
	// accept both "SET id = value" and "SET id=value"
	fields := make([]string, 0, len(args))
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == '=' }) {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}

	if len(fields) != 2 {
		p.fault("malformed SET", "args", strings.Join(args, " "))
		return errors.Wrap(ErrDisable, "malformed SET")
	}
	if p.current == nil {
		p.fault("SET without a BEGIN", "dimension", fields[0])
		return errors.Wrap(ErrDisable, "SET without a BEGIN")
	}

	value, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		p.fault("SET with a non-numeric value", "dimension", fields[0], "value", fields[1])
		return errors.Wrap(ErrDisable, "malformed SET value")
	}

	p.current.SetDimension(fields[0], value)
	p.sets++
	return nil
}

func (p *Parser) begin(args []string) error {
	if len(args) < 1 || args[0] == "" {
		p.fault("BEGIN without a chart id")
		return errors.Wrap(ErrDisable, "BEGIN without a chart id")
	}

	st := p.reg.FindByID(args[0])
	if st == nil {
		p.fault("BEGIN on a chart that does not exist", "chart", args[0])
		return errors.Wrapf(ErrDisable, "BEGIN on unknown chart %q", args[0])
	}
	p.current = st

	if st.CounterDone() > 0 {
		var microseconds uint64
		if len(args) > 1 && args[1] != "" {
			microseconds, _ = strconv.ParseUint(args[1], 10, 64)
		}
		if microseconds > 0 {
			st.NextUsec(microseconds)
		} else {
			st.Next()
		}
	}
	return nil
}

func (p *Parser) end() error {
	if p.current == nil {
		p.fault("END without a BEGIN")
		return errors.Wrap(ErrDisable, "END without a BEGIN")
	}
	p.current.Done()
	p.current = nil
	return nil
}

func (p *Parser) chart(args []string) error {
	p.current = nil

	if len(args) < 1 || !strings.Contains(args[0], ".") {
		p.fault("CHART without a type.id")
		return errors.Wrap(ErrDisable, "CHART without a type.id")
	}

	parts := strings.SplitN(args[0], ".", 2)
	typ, id := parts[0], parts[1]
	if typ == "" || id == "" {
		p.fault("CHART without a type.id")
		return errors.Wrap(ErrDisable, "CHART without a type.id")
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	name := arg(1)
	title := arg(2)
	units := arg(3)
	family := arg(4)
	category := arg(5)
	chartType := rrddb.ChartTypeID(arg(6))

	priority := int64(1000)
	if s := arg(7); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			priority = v
		}
	}

	updateEvery := p.updateEvery
	if s := arg(8); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			updateEvery = v
		}
	}

	if family == "" {
		family = id
	}
	if category == "" {
		category = typ
	}

	st, err := p.reg.CreateOrGet(rrddb.ChartOptions{
		Type:        typ,
		ID:          id,
		Name:        name,
		Family:      family,
		Title:       title,
		Units:       units,
		Priority:    priority,
		UpdateEvery: updateEvery,
		ChartType:   chartType,
	})
	if err != nil {
		return err
	}
	p.updateEvery = updateEvery

	if category == "none" {
		st.SetDetail(true)
	}

	p.current = st
	return nil
}

func (p *Parser) dimension(args []string) error {
	if len(args) < 1 || args[0] == "" {
		p.fault("DIMENSION without an id")
		return errors.Wrap(ErrDisable, "DIMENSION without an id")
	}
	if p.current == nil {
		p.fault("DIMENSION without a CHART", "dimension", args[0])
		return errors.Wrap(ErrDisable, "DIMENSION without a CHART")
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	id := args[0]
	name := arg(1)
	algorithm := arg(2)
	if algorithm == "" {
		algorithm = "absolute"
	}

	multiplier := int64(1)
	if s := arg(3); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && v != 0 {
			multiplier = v
		}
	}
	divisor := int64(1)
	if s := arg(4); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && v != 0 {
			divisor = v
		}
	}

	if _, err := p.reg.AddDimension(p.current, id, name, multiplier, divisor, rrddb.AlgorithmID(algorithm)); err != nil {
		return err
	}

	if arg(5) == "hidden" {
		p.current.HideDimension(id)
	}
	return nil
}

// splitQuoted splits a protocol line on whitespace, honoring single and
// double quoted fields.
func splitQuoted(s string) []string {
	var (
		out   []string
		field strings.Builder
		quote rune
		open  bool
	)

	flush := func() {
		if open || field.Len() > 0 {
			out = append(out, field.String())
			field.Reset()
			open = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				field.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			open = true
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			flush()
		default:
			field.WriteRune(r)
		}
	}
	flush()

	return out
}
