// Package nn provides the maskable network used for Continuous Sparsification.
//
// Every trainable convolution and linear layer carries two parameters of the
// same shape: the ordinary weight w and a mask parameter s. The forward pass
// uses the effective weight w ⊙ m where
//
//	m = sigmoid(T * s)   while searching for a mask
//	m = 1[s > 0]         once the ticket is fixed
//
// T (temperature) and the ticket flag live in a RunContext shared by pointer
// with every layer of a Network, so all layers always read the same values.
//
// Example usage:
//
//	net, _ := nn.NewBackbone(nn.BackboneConfig{
//		InputChannels: 3, Height: 32, Width: 32,
//		Widths: []int{16, 32}, NumClasses: 10, MaskInit: -0.01,
//	})
//
//	logits, _ := net.Forward(images)
//	loss, grad, _, _ := nn.SoftmaxCrossEntropy(logits, labels)
//	net.Backward(grad)
//
//	// Round boundaries
//	net.Checkpoint()    // capture rewind snapshot (once)
//	net.Prune()         // freeze current mask signs
//	net.RewindWeights() // restore snapshot, masks untouched
package nn
