package tensor

func (t *Tensor[T, B]) binary(op OpKind, other *Tensor[T, B]) (*Tensor[T, B], error) {
	raw, err := t.backend.Binary(op, t.raw, other.raw)
	return wrap[T](t.backend, raw, err)
}

func (t *Tensor[T, B]) unary(op OpKind) (*Tensor[T, B], error) {
	raw, err := t.backend.Unary(op, t.raw)
	return wrap[T](t.backend, raw, err)
}

func (t *Tensor[T, B]) scalar(op OpKind, s float64) (*Tensor[T, B], error) {
	raw, err := t.backend.Scalar(op, t.raw, s)
	return wrap[T](t.backend, raw, err)
}

// Add performs element-wise addition with broadcasting.
func (t *Tensor[T, B]) Add(other *Tensor[T, B]) (*Tensor[T, B], error) { return t.binary(OpAdd, other) }

// Sub performs element-wise subtraction with broadcasting.
func (t *Tensor[T, B]) Sub(other *Tensor[T, B]) (*Tensor[T, B], error) { return t.binary(OpSub, other) }

// Mul performs element-wise multiplication with broadcasting.
func (t *Tensor[T, B]) Mul(other *Tensor[T, B]) (*Tensor[T, B], error) { return t.binary(OpMul, other) }

// Div performs element-wise division with broadcasting.
func (t *Tensor[T, B]) Div(other *Tensor[T, B]) (*Tensor[T, B], error) { return t.binary(OpDiv, other) }

// Pow raises t to the element-wise power other.
func (t *Tensor[T, B]) Pow(other *Tensor[T, B]) (*Tensor[T, B], error) { return t.binary(OpPow, other) }

// Maximum returns the element-wise maximum.
func (t *Tensor[T, B]) Maximum(other *Tensor[T, B]) (*Tensor[T, B], error) {
	return t.binary(OpMaximum, other)
}

// Minimum returns the element-wise minimum.
func (t *Tensor[T, B]) Minimum(other *Tensor[T, B]) (*Tensor[T, B], error) {
	return t.binary(OpMinimum, other)
}

// AddScalar adds s to every element.
func (t *Tensor[T, B]) AddScalar(s T) (*Tensor[T, B], error) { return t.scalar(OpAdd, ToFloat64(s)) }

// MulScalar multiplies every element by s.
func (t *Tensor[T, B]) MulScalar(s T) (*Tensor[T, B], error) { return t.scalar(OpMul, ToFloat64(s)) }

// PowScalar raises every element to the power p.
func (t *Tensor[T, B]) PowScalar(p float64) (*Tensor[T, B], error) { return t.scalar(OpPow, p) }

// Neg negates every element.
func (t *Tensor[T, B]) Neg() (*Tensor[T, B], error) { return t.unary(OpNeg) }

// Exp computes e^x element-wise.
func (t *Tensor[T, B]) Exp() (*Tensor[T, B], error) { return t.unary(OpExp) }

// Log computes the natural logarithm element-wise.
func (t *Tensor[T, B]) Log() (*Tensor[T, B], error) { return t.unary(OpLog) }

// Sqrt computes the square root element-wise.
func (t *Tensor[T, B]) Sqrt() (*Tensor[T, B], error) { return t.unary(OpSqrt) }

// Tanh computes the hyperbolic tangent element-wise.
func (t *Tensor[T, B]) Tanh() (*Tensor[T, B], error) { return t.unary(OpTanh) }

// Sigmoid computes 1/(1+e^-x) element-wise.
func (t *Tensor[T, B]) Sigmoid() (*Tensor[T, B], error) { return t.unary(OpSigmoid) }

// ReLU computes max(x, 0) element-wise.
func (t *Tensor[T, B]) ReLU() (*Tensor[T, B], error) { return t.unary(OpReLU) }

// Greater compares element-wise and returns a Bool tensor.
func (t *Tensor[T, B]) Greater(other *Tensor[T, B]) (*Tensor[bool, B], error) {
	raw, err := t.backend.Binary(OpGreater, t.raw, other.raw)
	return wrap[bool](t.backend, raw, err)
}

// MatMul performs (batched) matrix multiplication.
//
// Example:
//
//	a, _ := tensor.Randn[float32](Shape{3, 4}, backend)
//	b, _ := tensor.Randn[float32](Shape{4, 5}, backend)
//	c, err := a.MatMul(b) // Shape: [3, 5]
func (t *Tensor[T, B]) MatMul(other *Tensor[T, B]) (*Tensor[T, B], error) {
	raw, err := t.backend.MatMul(t.raw, other.raw)
	return wrap[T](t.backend, raw, err)
}

// Sum reduces the given axes; no axes means every axis.
func (t *Tensor[T, B]) Sum(axes ...int) (*Tensor[T, B], error) {
	raw, err := t.backend.Sum(t.raw, axes, false)
	return wrap[T](t.backend, raw, err)
}

// Mean averages the given axes; no axes means every axis.
func (t *Tensor[T, B]) Mean(axes ...int) (*Tensor[T, B], error) {
	raw, err := t.backend.Mean(t.raw, axes, false)
	return wrap[T](t.backend, raw, err)
}

// Max takes the maximum along axis.
func (t *Tensor[T, B]) Max(axis int, keepDims bool) (*Tensor[T, B], error) {
	raw, err := t.backend.Max(t.raw, axis, keepDims)
	return wrap[T](t.backend, raw, err)
}

// Argmax returns the index of the maximum along axis.
func (t *Tensor[T, B]) Argmax(axis int, keepDims bool) (*Tensor[int64, B], error) {
	raw, err := t.backend.Argmax(t.raw, axis, keepDims)
	return wrap[int64](t.backend, raw, err)
}

// Reshape returns a tensor with the same data and a new shape.
func (t *Tensor[T, B]) Reshape(newShape ...int) (*Tensor[T, B], error) {
	raw, err := t.backend.Reshape(t.raw, Shape(newShape))
	return wrap[T](t.backend, raw, err)
}

// Transpose permutes the axes. No axes reverses them.
func (t *Tensor[T, B]) Transpose(axes ...int) (*Tensor[T, B], error) {
	raw, err := t.backend.Transpose(t.raw, axes...)
	return wrap[T](t.backend, raw, err)
}

// Expand broadcasts the tensor to shape without copying.
func (t *Tensor[T, B]) Expand(shape Shape) (*Tensor[T, B], error) {
	raw, err := t.backend.Expand(t.raw, shape)
	return wrap[T](t.backend, raw, err)
}

// Gather selects elements along axis at the positions in index.
func (t *Tensor[T, B]) Gather(axis int, index *Tensor[int64, B]) (*Tensor[T, B], error) {
	raw, err := t.backend.Gather(t.raw, axis, index.raw)
	return wrap[T](t.backend, raw, err)
}

// Where picks a where cond is true and b elsewhere.
func Where[T DType, B Backend](cond *Tensor[bool, B], a, b *Tensor[T, B]) (*Tensor[T, B], error) {
	raw, err := a.backend.Where(cond.raw, a.raw, b.raw)
	return wrap[T](a.backend, raw, err)
}

// Cast converts the tensor to element type U.
func Cast[U, T DType, B Backend](t *Tensor[T, B]) (*Tensor[U, B], error) {
	raw, err := t.backend.Cast(t.raw, DataTypeOf[U]())
	return wrap[U](t.backend, raw, err)
}
