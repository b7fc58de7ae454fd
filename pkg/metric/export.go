// Copyright 2023 The gVisor Authors.
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

package metric

import (
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// family builds the Prometheus representation of m.
func (r *Registry) family(m *Uint64Metric) *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(r.exportName(m.name)),
		Type: typ.Enum(),
	}
	if m.description != "" {
		mf.Help = proto.String(m.description)
	}
	for key := range m.fields {
		v := float64(m.fields[key].Load())
		pm := &dto.Metric{}
		for i, fv := range m.fieldMapper.keyToMultiField(key) {
			pm.Label = append(pm.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(fv),
			})
		}
		if m.cumulative {
			pm.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			pm.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

// WriteText writes all metrics of r to w in the Prometheus text exposition
// format, ordered by name.
func (r *Registry) WriteText(w io.Writer) error {
	for _, m := range r.sorted() {
		if _, err := expfmt.MetricFamilyToText(w, r.family(m)); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
