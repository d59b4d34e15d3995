package training

import (
	"github.com/tengen-go/tengen/game"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// EncodeTwoPlayerBoard encodes black as 1, white as -1 for each stone placed
func EncodeTwoPlayerBoard(a []game.Colour, prealloc []float32) []float32 {
	if len(prealloc) != len(a) {
		prealloc = make([]float32, len(a))
	}
	for i := range a {
		switch a[i] {
		case game.Black:
			prealloc[i] = 1
		case game.White:
			prealloc[i] = -1
		default:
			prealloc[i] = 0
		}
	}
	return prealloc
}

func encodeBlack(a []game.Colour, prealloc []float32) []float32 {
	return EncodeTwoPlayerBoard(a, prealloc)
}

func encodeWhite(a []game.Colour, prealloc []float32) []float32 {
	retVal := EncodeTwoPlayerBoard(a, prealloc)
	vecf32.Scale(retVal, -1)
	return retVal
}

// BoardPlanes encodes a position into the (3, size, size) feature planes
// the trainer stores: the board from black's perspective, from white's,
// and a side-to-move fill.
func BoardPlanes(s game.State) *tensor.Dense {
	board := s.Board()
	size := len(board)
	bs := s.BoardSize()

	data := make([]float32, 3*size)
	encodeBlack(board, data[:size])
	encodeWhite(board, data[size:2*size])

	fill := float32(1)
	if s.ToMove() == game.Player(game.White) {
		fill = -1
	}
	for i := 2 * size; i < 3*size; i++ {
		data[i] = fill
	}

	return tensor.New(tensor.WithShape(3, bs, bs), tensor.WithBacking(data))
}
