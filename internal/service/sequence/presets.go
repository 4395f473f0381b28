package sequence

import "github.com/acme/outbound-followup-engine/internal/domain"

type presetStep struct {
	amount  int
	unit    domain.DelayUnit
	message string
}

var presets = map[domain.Strategy][]presetStep{
	domain.StrategyPassive: {
		{1, domain.DelayDays, "Hola {nombre}, ¿pudiste revisar la información que te enviamos?"},
		{3, domain.DelayDays, "Hola {nombre}, seguimos a tus órdenes si tienes alguna duda."},
	},
	domain.StrategyModerate: {
		{4, domain.DelayHours, "Hola {nombre}, ¿te quedó alguna duda sobre la información?"},
		{1, domain.DelayDays, "Hola {nombre}, quería saber si pudiste revisar nuestra propuesta."},
		{3, domain.DelayDays, "Hola {nombre}, este es nuestro último recordatorio. ¡Aquí estamos para ayudarte!"},
	},
	domain.StrategyAggressive: {
		{1, domain.DelayHours, "Hola {nombre}, ¿tienes un momento para platicar?"},
		{4, domain.DelayHours, "Hola {nombre}, el precio de {precio} sigue disponible por tiempo limitado."},
		{1, domain.DelayDays, "Hola {nombre}, no queremos que te pierdas esta oportunidad."},
		{2, domain.DelayDays, "Hola {nombre}, último aviso: ¿te apartamos tu lugar?"},
	},
}

// PresetSteps returns the default steps of a strategy.
func PresetSteps(strategy domain.Strategy) ([]domain.Step, bool) {
	preset, ok := presets[strategy]
	if !ok {
		return nil, false
	}
	steps := make([]domain.Step, 0, len(preset))
	for i, p := range preset {
		steps = append(steps, domain.Step{
			Order:       i + 1,
			DelayAmount: p.amount,
			DelayUnit:   p.unit,
			Message:     p.message,
		})
	}
	return steps, true
}
