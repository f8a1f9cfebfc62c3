package migrate

import (
	"errors"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/record"
)

// validateRecord checks dst against the pair's rules and logs violations.
// Violations do not stop the record from being written: the legacy data
// holds known invalid values that are carried over as they are.
func validateRecord(v *validator.Validate, log *zap.Logger, p *Pair, dst *record.Record) int {
	cols := make([]string, 0, len(p.Rules))
	for c := range p.Rules {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	failed := 0
	for _, c := range cols {
		tag := p.Rules[c]
		val := dst.Get(c)
		if val == nil && !strings.Contains(tag, "required") {
			continue
		}
		err := v.Var(val, tag)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			log.Warn("validation could not run", zap.String("field", c), zap.Error(err))
			continue
		}
		for _, fe := range verrs {
			failed++
			log.Warn("validation error",
				zap.String("record", dst.Describe()),
				zap.String("field", c),
				zap.Any("value", val),
				zap.String("rule", fe.Tag()),
				zap.String("param", fe.Param()))
		}
	}
	return failed
}
