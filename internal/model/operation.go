package model

import "fmt"

// OperationType identifies an operation. The values are the NNAPI operation
// codes and appear in tuning signatures.
type OperationType int

const (
	Add                        OperationType = 0
	AveragePool2D              OperationType = 1
	Concatenation              OperationType = 2
	Conv2D                     OperationType = 3
	DepthwiseConv2D            OperationType = 4
	L2Pool2D                   OperationType = 12
	LocalResponseNormalization OperationType = 13
	Logistic                   OperationType = 14
	MaxPool2D                  OperationType = 17
	Mul                        OperationType = 18
	Relu                       OperationType = 19
	Relu1                      OperationType = 20
	Relu6                      OperationType = 21
	Reshape                    OperationType = 22
	Softmax                    OperationType = 25
	Tanh                       OperationType = 28

	// ChannelExpand is the internal 3 to 4 channel layout pass run ahead of
	// convolutions over 3-channel tensors. It never appears in a model.
	ChannelExpand OperationType = 1000
)

var operationNames = map[OperationType]string{
	Add:                        "ADD",
	AveragePool2D:              "AVERAGE_POOL_2D",
	Concatenation:              "CONCATENATION",
	Conv2D:                     "CONV_2D",
	DepthwiseConv2D:            "DEPTHWISE_CONV_2D",
	L2Pool2D:                   "L2_POOL_2D",
	LocalResponseNormalization: "LOCAL_RESPONSE_NORMALIZATION",
	Logistic:                   "LOGISTIC",
	MaxPool2D:                  "MAX_POOL_2D",
	Mul:                        "MUL",
	Relu:                       "RELU",
	Relu1:                      "RELU1",
	Relu6:                      "RELU6",
	Reshape:                    "RESHAPE",
	Softmax:                    "SOFTMAX",
	Tanh:                       "TANH",
	ChannelExpand:              "CHANNEL_EXPAND",
}

func (t OperationType) String() string {
	if name, ok := operationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OPERATION_%d", int(t))
}

// FuseCode is the activation fused into an operation's output.
type FuseCode int

const (
	FuseNone FuseCode = iota
	FuseRelu
	FuseRelu1
	FuseRelu6
)

// PaddingScheme is the implicit padding form of pooling and convolution.
type PaddingScheme int

const (
	PaddingSame  PaddingScheme = 1
	PaddingValid PaddingScheme = 2
)
