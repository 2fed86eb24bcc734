package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tsawler/go-landscape/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint encoding.
const (
	ckptArch      protowire.Number = 1
	ckptSpec      protowire.Number = 2 // JSON encoded ModelSpec
	ckptWeight    protowire.Number = 3
	ckptTraining  protowire.Number = 4
	ckptOptimizer protowire.Number = 5
	ckptMetadata  protowire.Number = 6

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorLayer protowire.Number = 4
	tensorType  protowire.Number = 5

	stateEpoch      protowire.Number = 1
	stateStep       protowire.Number = 2
	stateLR         protowire.Number = 3
	stateBestLoss   protowire.Number = 4
	stateBestAcc    protowire.Number = 5
	stateTotalSteps protowire.Number = 6

	optType   protowire.Number = 1
	optParam  protowire.Number = 2
	optTensor protowire.Number = 3

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
	metaTag         protowire.Number = 5
	metaRunID       protowire.Number = 6
)

func marshalCheckpoint(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, ckptArch, c.Arch)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("model spec: %w", err)
		}
		b = protowire.AppendTag(b, ckptSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = appendMessage(b, ckptWeight, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = appendMessage(b, ckptTraining, marshalTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, ckptOptimizer, marshalOptimizerState(c.OptimizerState))
	}
	b = appendMessage(b, ckptMetadata, marshalMetadata(c.Metadata))
	return b, nil
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, stateEpoch, uint64(s.Epoch))
	b = appendVarint(b, stateStep, uint64(s.Step))
	b = appendDouble(b, stateLR, s.LearningRate)
	b = appendDouble(b, stateBestLoss, s.BestLoss)
	b = appendDouble(b, stateBestAcc, s.BestAccuracy)
	b = appendVarint(b, stateTotalSteps, uint64(s.TotalSteps))
	return b
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, optType, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendDouble(entry, entryValue, s.Parameters[k])
		b = appendMessage(b, optParam, entry)
	}

	for _, t := range s.StateData {
		b = appendMessage(b, optTensor, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, metaCreatedAt, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTag, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, metaRunID, m.RunID)
	return b
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, 8*len(data))
	for _, v := range data {
		values = protowire.AppendFixed64(values, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	b = appendString(b, tensorLayer, layer)
	b = appendString(b, tensorType, kind)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields calls fn for each field in b. fn returns the number of bytes it
// consumed from the field value, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func expectType(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d: wire type %d, expected %d", num, got, want)
	}
	return nil
}

func unmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ckptArch:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeString(b)
			c.Arch = v
			return n, nil
		case ckptSpec, ckptWeight, ckptTraining, ckptOptimizer, ckptMetadata:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, c.decodeField(num, msg)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Checkpoint) decodeField(num protowire.Number, msg []byte) error {
	switch num {
	case ckptSpec:
		var spec layers.ModelSpec
		if err := json.Unmarshal(msg, &spec); err != nil {
			return fmt.Errorf("model spec: %w", err)
		}
		c.ModelSpec = &spec
	case ckptWeight:
		t, err := unmarshalTensor(msg)
		if err != nil {
			return fmt.Errorf("weight: %w", err)
		}
		c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.kind})
	case ckptTraining:
		s, err := unmarshalTrainingState(msg)
		if err != nil {
			return fmt.Errorf("training state: %w", err)
		}
		c.TrainingState = s
	case ckptOptimizer:
		s, err := unmarshalOptimizerState(msg)
		if err != nil {
			return fmt.Errorf("optimizer state: %w", err)
		}
		c.OptimizerState = s
	case ckptMetadata:
		m, err := unmarshalMetadata(msg)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		c.Metadata = m
	}
	return nil
}

type rawTensor struct {
	name, layer, kind string
	shape             []int
	data              []float64
}

func unmarshalTensor(msg []byte) (rawTensor, error) {
	var t rawTensor
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName, tensorLayer, tensorType:
			if err := expectType(num, typ, protowire.BytesType); err != nil {
				return 0, err
			}
			v, n := protowire.ConsumeString(b)
			switch num {
			case tensorName:
				t.name = v
			case tensorLayer:
				t.layer = v
			default:
				t.kind = v
			}
			return n, nil
		case tensorShape:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				t.shape = append(t.shape, int(d))
				packed = packed[m:]
			}
			return n, nil
		case tensorData:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if len(packed)%8 != 0 {
				return 0, fmt.Errorf("tensor data length %d is not a multiple of 8", len(packed))
			}
			t.data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				t.data = append(t.data, math.Float64frombits(bits))
				packed = packed[m:]
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return t, err
}

func unmarshalTrainingState(msg []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case stateEpoch, stateStep, stateTotalSteps:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case stateEpoch:
				s.Epoch = int(v)
			case stateStep:
				s.Step = int(v)
			default:
				s.TotalSteps = int(v)
			}
			return n, expectType(num, typ, protowire.VarintType)
		case stateLR, stateBestLoss, stateBestAcc:
			bits, n := protowire.ConsumeFixed64(b)
			v := math.Float64frombits(bits)
			switch num {
			case stateLR:
				s.LearningRate = v
			case stateBestLoss:
				s.BestLoss = v
			default:
				s.BestAccuracy = v
			}
			return n, expectType(num, typ, protowire.Fixed64Type)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return s, err
}

func unmarshalOptimizerState(msg []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optType:
			v, n := protowire.ConsumeString(b)
			s.Type = v
			return n, expectType(num, typ, protowire.BytesType)
		case optParam:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var key string
			var value float64
			err := walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case entryKey:
					v, n := protowire.ConsumeString(b)
					key = v
					return n, nil
				case entryValue:
					bits, n := protowire.ConsumeFixed64(b)
					value = math.Float64frombits(bits)
					return n, nil
				default:
					return protowire.ConsumeFieldValue(num, typ, b), nil
				}
			})
			s.Parameters[key] = value
			return n, err
		case optTensor:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalTensor(raw)
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.kind})
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalMetadata(msg []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case metaCreatedAt:
			v, n := protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, expectType(num, typ, protowire.VarintType)
		case metaVersion, metaFramework, metaDescription, metaTag, metaRunID:
			v, n := protowire.ConsumeString(b)
			switch num {
			case metaVersion:
				m.Version = v
			case metaFramework:
				m.Framework = v
			case metaDescription:
				m.Description = v
			case metaTag:
				m.Tags = append(m.Tags, v)
			default:
				m.RunID = v
			}
			return n, expectType(num, typ, protowire.BytesType)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return m, err
}
